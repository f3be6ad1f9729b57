package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"htlcbridge/cmd/internal/passphrase"
)

const (
	rpcTokenEnv     = "HTLC_RPC_TOKEN"
	keystorePassEnv = "HTLC_KEYSTORE_PASS"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via HTLC_RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv(rpcTokenEnv)

var rpcClient = &http.Client{Timeout: 30 * time.Second}

// swapped in tests
var (
	rpcCall        = callRPC
	passSource     = newPassSource()
	readSecretFunc = func(prompt string) (string, error) { return passSource.ReadSecret(prompt) }
)

func newPassSource() *passphrase.Source {
	return passphrase.NewSource(keystorePassEnv, "Enter keystore passphrase: ")
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "digest":
		return runDigest(args[1:], stdout, stderr)
	case "announce":
		return runAnnounce(args[1:], stdout, stderr)
	case "claim":
		return runClaim(args[1:], stdout, stderr)
	case "cancel":
		return runCancel(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "counter":
		return runSimpleQuery("counter", "htlc_orderCounter", args[1:], stdout, stderr)
	case "owner":
		return runSimpleQuery("owner", "htlc_owner", args[1:], stdout, stderr)
	case "solvency":
		return runSimpleQuery("solvency", "htlc_solvency", args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: htlc-cli [--rpc URL] <command> [flags]",
		"",
		"Commands:",
		"  generate-key  --out PATH",
		"  digest        [--secret HEX | --generate] [--algo sha256|keccak256|blake3]",
		"  announce      --keystore PATH [--nonce N] --value N --digest HEX [--amount N] [--min-counterpart N] [--expiry SECONDS]",
		"  claim         --keystore PATH [--nonce N] --id N (--secret HEX | --secret-stdin)",
		"  cancel        --keystore PATH [--nonce N] --id N",
		"  get           --id N",
		"  counter",
		"  owner",
		"  solvency",
		"  balance       --address ADDR",
		"  events        [--after SEQ] [--limit N] [--order N]",
	}, "\n")
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("HTLC_RPC_URL")); v != "" {
		return v
	}
	return "http://127.0.0.1:8645"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if strings.TrimSpace(rpcAuthToken) == "" {
			return nil, fmt.Errorf("privileged RPC call requires %s to be set", rpcTokenEnv)
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := rpcClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
