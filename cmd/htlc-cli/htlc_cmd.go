package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"htlcbridge/core"
	"htlcbridge/core/types"
	"htlcbridge/crypto"
	"htlcbridge/native/htlc"
)

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("generate-key", stderr)
	var out string
	fs.StringVar(&out, "out", "htlc.keystore", "keystore file to write")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	pass, err := passSource.Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, fmt.Sprintf("generate key: %v", err))
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, fmt.Sprintf("save keystore: %v", err))
	}
	fmt.Fprintf(stdout, "Generated new key and saved to %s\n", out)
	fmt.Fprintf(stdout, "Your address is: %s\n", key.PubKey().Address().String())
	return 0
}

func runDigest(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("digest", stderr)
	var (
		secretHex string
		generate  bool
		algo      string
	)
	fs.StringVar(&secretHex, "secret", "", "0x-prefixed secret to hash")
	fs.BoolVar(&generate, "generate", false, "generate a random 32-byte secret")
	fs.StringVar(&algo, "algo", string(htlc.DigestSHA256), "digest algorithm (sha256, keccak256, blake3)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	algorithm, err := htlc.ParseDigestAlgorithm(algo)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if generate == (secretHex != "") {
		return printError(stderr, "exactly one of --secret or --generate is required")
	}
	var secret []byte
	if generate {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return printError(stderr, fmt.Sprintf("generate secret: %v", err))
		}
	} else {
		secret, err = parseHex(secretHex)
		if err != nil {
			return printError(stderr, "--secret must be hex encoded")
		}
	}
	digest := algorithm.Sum(secret)
	fmt.Fprintf(stdout, "secret: 0x%s\n", hex.EncodeToString(secret))
	fmt.Fprintf(stdout, "digest: 0x%s\n", hex.EncodeToString(digest[:]))
	fmt.Fprintf(stdout, "algorithm: %s\n", algorithm)
	return 0
}

func runAnnounce(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("announce", stderr)
	var (
		keystorePath   string
		nonce          string
		value          string
		digest         string
		amount         string
		minCounterpart string
		expiry         uint64
	)
	fs.StringVar(&keystorePath, "keystore", "", "keystore holding the caller's signing key")
	fs.StringVar(&nonce, "nonce", "", "call nonce (fetched from the node when omitted)")
	fs.StringVar(&value, "value", "", "value attached to the call")
	fs.StringVar(&digest, "digest", "", "0x-prefixed 32-byte secret digest")
	fs.StringVar(&amount, "amount", "", "explicit amount (profiles taking the amount from a parameter)")
	fs.StringVar(&minCounterpart, "min-counterpart", "", "minimum amount expected on the counterpart ledger")
	fs.Uint64Var(&expiry, "expiry", 0, "expiry duration in seconds")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := requireKeystore(keystorePath, nonce); err != nil {
		return printError(stderr, err.Error())
	}
	if value == "" {
		return printError(stderr, "--value is required")
	}
	if err := validateAmount("--value", value); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateDigest(digest); err != nil {
		return printError(stderr, err.Error())
	}
	decoded, _ := parseHex(digest)
	call := &types.SignedCall{Entrypoint: core.EntrypointAnnounce, Expiry: expiry}
	copy(call.SecretDigest[:], decoded)
	params := map[string]interface{}{
		"value":        value,
		"secretDigest": digest,
	}
	if amount != "" {
		if err := validateAmount("--amount", amount); err != nil {
			return printError(stderr, err.Error())
		}
		params["amount"] = amount
		call.Amount, _ = new(big.Int).SetString(strings.TrimSpace(amount), 10)
	}
	if minCounterpart != "" {
		if err := validateAmount("--min-counterpart", minCounterpart); err != nil {
			return printError(stderr, err.Error())
		}
		params["minCounterpartAmount"] = minCounterpart
		call.MinCounterpartAmount, _ = new(big.Int).SetString(strings.TrimSpace(minCounterpart), 10)
	}
	if expiry > 0 {
		params["expiry"] = expiry
	}
	return signAndInvoke(stdout, stderr, "htlc_announce", keystorePath, nonce, call, params)
}

func runClaim(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("claim", stderr)
	var (
		keystorePath string
		nonce        string
		id           string
		secret       string
		secretStdin  bool
	)
	fs.StringVar(&keystorePath, "keystore", "", "keystore holding the caller's signing key")
	fs.StringVar(&nonce, "nonce", "", "call nonce (fetched from the node when omitted)")
	fs.StringVar(&id, "id", "", "order identifier")
	fs.StringVar(&secret, "secret", "", "0x-prefixed secret")
	fs.BoolVar(&secretStdin, "secret-stdin", false, "read the secret from the terminal without echo")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := requireKeystore(keystorePath, nonce); err != nil {
		return printError(stderr, err.Error())
	}
	orderID, err := parseOrderIDFlag(id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if secretStdin == (secret != "") {
		return printError(stderr, "exactly one of --secret or --secret-stdin is required")
	}
	if secretStdin {
		secret, err = readSecretFunc("Enter secret (hex): ")
		if err != nil {
			return printError(stderr, err.Error())
		}
		secret = strings.TrimSpace(secret)
	}
	secretBytes, err := parseHex(secret)
	if err != nil {
		return printError(stderr, "secret must be hex encoded")
	}
	numericID, _ := strconv.ParseUint(orderID, 10, 64)
	call := &types.SignedCall{Entrypoint: core.EntrypointClaim, OrderID: numericID, Secret: secretBytes}
	params := map[string]interface{}{
		"id":     orderID,
		"secret": secret,
	}
	return signAndInvoke(stdout, stderr, "htlc_claim", keystorePath, nonce, call, params)
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("cancel", stderr)
	var (
		keystorePath string
		nonce        string
		id           string
	)
	fs.StringVar(&keystorePath, "keystore", "", "keystore holding the caller's signing key")
	fs.StringVar(&nonce, "nonce", "", "call nonce (fetched from the node when omitted)")
	fs.StringVar(&id, "id", "", "order identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := requireKeystore(keystorePath, nonce); err != nil {
		return printError(stderr, err.Error())
	}
	orderID, err := parseOrderIDFlag(id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	numericID, _ := strconv.ParseUint(orderID, 10, 64)
	call := &types.SignedCall{Entrypoint: core.EntrypointCancel, OrderID: numericID}
	return signAndInvoke(stdout, stderr, "htlc_cancel", keystorePath, nonce, call, map[string]interface{}{"id": orderID})
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var id string
	fs.StringVar(&id, "id", "", "order identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	orderID, err := parseOrderIDFlag(id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return invoke(stdout, stderr, "htlc_getOrder", map[string]interface{}{"id": orderID}, false)
}

func runSimpleQuery(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	return invoke(stdout, stderr, method, nil, false)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var address string
	fs.StringVar(&address, "address", "", "account address (bech32 or 0x hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if address == "" {
		return printError(stderr, "--address is required")
	}
	addr, err := crypto.ParseAddress(address)
	if err != nil {
		return printError(stderr, fmt.Sprintf("--address: %v", err))
	}
	return invoke(stdout, stderr, "htlc_getBalance", map[string]string{"address": addr.String()}, false)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var (
		after int64
		limit int
		order string
	)
	fs.Int64Var(&after, "after", 0, "return events with a sequence greater than this")
	fs.IntVar(&limit, "limit", 100, "maximum number of events")
	fs.StringVar(&order, "order", "", "only events of this order")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if after < 0 || limit < 0 {
		return printError(stderr, "--after and --limit must not be negative")
	}
	params := map[string]interface{}{"after": after, "limit": limit}
	if order != "" {
		orderID, err := parseOrderIDFlag(order)
		if err != nil {
			return printError(stderr, err.Error())
		}
		params["orderId"] = orderID
	}
	return invoke(stdout, stderr, "htlc_events", params, false)
}

func requireKeystore(keystorePath, nonce string) error {
	if strings.TrimSpace(keystorePath) == "" {
		return fmt.Errorf("--keystore is required")
	}
	if nonce != "" {
		if _, err := strconv.ParseUint(strings.TrimSpace(nonce), 10, 64); err != nil {
			return fmt.Errorf("--nonce must be an unsigned integer")
		}
	}
	return nil
}

// signAndInvoke loads the signing key, resolves the caller's nonce, signs call
// and sends it with params.
func signAndInvoke(stdout, stderr io.Writer, method, keystorePath, nonceFlag string, call *types.SignedCall, params map[string]interface{}) int {
	pass, err := passSource.Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.LoadFromKeystore(strings.TrimSpace(keystorePath), pass)
	if err != nil {
		return printError(stderr, err.Error())
	}
	caller := key.PubKey().Address()
	nonce, err := resolveNonce(caller, nonceFlag)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if raw, ok := params["value"].(string); ok {
		call.Value, _ = new(big.Int).SetString(strings.TrimSpace(raw), 10)
	}
	call.Nonce = nonce
	if err := call.Sign(key.PrivateKey); err != nil {
		return printError(stderr, fmt.Sprintf("sign call: %v", err))
	}
	params["caller"] = caller.String()
	params["nonce"] = nonce
	params["signature"] = "0x" + hex.EncodeToString(call.Signature)
	return invoke(stdout, stderr, method, params, true)
}

func resolveNonce(caller crypto.Address, nonceFlag string) (uint64, error) {
	if nonceFlag != "" {
		return strconv.ParseUint(strings.TrimSpace(nonceFlag), 10, 64)
	}
	result, rpcErr, err := rpcCall("htlc_getNonce", map[string]string{"address": caller.String()}, false)
	if err != nil {
		return 0, fmt.Errorf("fetch nonce: %w", err)
	}
	if rpcErr != nil {
		return 0, fmt.Errorf("fetch nonce: RPC error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	var decoded struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return 0, fmt.Errorf("fetch nonce: %w", err)
	}
	return decoded.Nonce, nil
}

func parseOrderIDFlag(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("--id is required")
	}
	if _, err := strconv.ParseUint(trimmed, 10, 64); err != nil {
		return "", fmt.Errorf("--id must be an unsigned integer")
	}
	return trimmed, nil
}

func validateAmount(flagName, value string) error {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return fmt.Errorf("%s must be a base-10 integer", flagName)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%s must not be negative", flagName)
	}
	return nil
}

func validateDigest(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--digest is required")
	}
	decoded, err := parseHex(value)
	if err != nil || len(decoded) != 32 {
		return fmt.Errorf("--digest must be a 0x-prefixed 32-byte hex string")
	}
	return nil
}

func parseHex(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	return hex.DecodeString(cleaned)
}

func invoke(stdout, stderr io.Writer, method string, params interface{}, requireAuth bool) int {
	result, rpcErr, err := rpcCall(method, params, requireAuth)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	if len(err.Data) > 0 {
		fmt.Fprintf(w, "RPC error %d: %s (%s)\n", err.Code, err.Message, string(err.Data))
		return 1
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		_, _ = w.Write(result)
		fmt.Fprintln(w)
		return
	}
	pretty.WriteByte('\n')
	_, _ = w.Write(pretty.Bytes())
}
