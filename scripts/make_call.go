package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/bridge"
)

func main() {
	configPath := flag.String("config", "", "optional config file; its server.public_url is used when -server is empty")
	server := flag.String("server", "", "base URL of a running bridge")
	to := flag.String("to", "", "destination number")
	from := flag.String("from", "", "caller ID (defaults to the server's source number)")
	bot := flag.String("bot", "support", "bot id")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: make_call -to=+456 [-from=+123] [-bot=support] [-server=http://localhost:8080]")
		os.Exit(1)
	}

	base := *server
	if base == "" {
		base = "http://localhost:8080"
		if *configPath != "" {
			cfg, err := bridge.LoadConfig(*configPath)
			if err != nil {
				fmt.Println("config error:", err)
				os.Exit(1)
			}
			if cfg.Server.PublicURL != "" {
				base = cfg.Server.PublicURL
			}
		}
	}

	body, _ := json.Marshal(bridge.OutboundCallRequest{PhoneNumber: *to, SourcePhoneNumber: *from, BotID: *bot})
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(strings.TrimRight(base, "/")+"/api/outboundCall", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Printf("call rejected (%d): %s\n", resp.StatusCode, strings.TrimSpace(string(raw)))
		os.Exit(1)
	}
	var res bridge.OutboundCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		fmt.Println("decode error:", err)
		os.Exit(1)
	}
	fmt.Println("call_id:", res.CallID)
	fmt.Println("call_connection_id:", res.CallConnectionID)
}
