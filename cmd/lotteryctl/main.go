package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"fortuna/cmd/internal/admintoken"
)

// Exit codes reported to the operator's shell.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
	exitTimeout = 3
)

var (
	rpcEndpoint = defaultRPCEndpoint()
	tokenSource = admintoken.NewSource("LOTTERY_ADMIN_TOKEN")
)

func defaultRPCEndpoint() string {
	if url := strings.TrimSpace(os.Getenv("LOTTERY_RPC_URL")); url != "" {
		return url
	}
	return "http://localhost:7460/rpc"
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	if len(args) < 1 {
		printUsage()
		os.Exit(exitConfig)
	}

	if err := dispatch(args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func dispatch(command string, args []string) error {
	switch command {
	case "campaign":
		return runCampaign(args)
	case "pricing":
		return runPricing(args)
	case "prize":
		return runPrize(args)
	case "quota":
		return runQuota(args)
	case "metrics":
		return runMetrics(args)
	case "draw":
		return runDraw(args)
	case "force-outcome":
		return runForceOutcome(args)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return configErrorf("unknown command %q", command)
	}
}

// applyGlobalFlags strips --rpc <url> (or --rpc=<url>) from the argument list
// before subcommand dispatch.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc" || arg == "-rpc":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--rpc requires a URL")
			}
			rpcEndpoint = strings.TrimSpace(args[i+1])
			i++
		case strings.HasPrefix(arg, "--rpc="):
			rpcEndpoint = strings.TrimSpace(strings.TrimPrefix(arg, "--rpc="))
		case strings.HasPrefix(arg, "-rpc="):
			rpcEndpoint = strings.TrimSpace(strings.TrimPrefix(arg, "-rpc="))
		default:
			out = append(out, arg)
		}
	}
	if rpcEndpoint == "" {
		return nil, fmt.Errorf("--rpc URL cannot be empty")
	}
	return out, nil
}

func printUsage() {
	fmt.Println(`Usage: lotteryctl [--rpc <url>] <command> [args]

Commands:
  campaign apply -bundle <file.toml> [-created-by <who>]
  campaign get -campaign <code-or-uuid>
  campaign set-status -campaign <code-or-uuid> -status <draft|active|paused|ended>
  campaign update-budget -campaign <code-or-uuid> -total <points>
  pricing create -campaign <c> -single <cost> -multi10 <cost> [-discount-ppm <n>] [-created-by <who>]
  pricing activate -campaign <c> -version <n>
  pricing schedule -campaign <c> -version <n> -at <RFC3339>
  pricing rollback -campaign <c> -version <n> [-created-by <who>]
  pricing list -campaign <c>
  prize upsert -campaign <c> -name <name> -tier <t> -weight <w> -value <v> [-stock <n>] [-day-cap <n>]
  prize list -campaign <c>
  quota upsert -scope <global|campaign|role|user> -subject <s> -limit <n> [-priority <n>]
  quota list
  metrics export -day <YYYYMMDD>
  metrics hourly -campaign <c> -from <YYYYMMDDHH> -until <YYYYMMDDHH>
  draw -user <id> -campaign <uuid> -type <single|multi10> -request <id> [-segment <s>] [-role <r>]
  force-outcome -campaign <uuid> -user <id> -tier <t> [-prize <uuid>] [-note <text>] -created-by <who>

The RPC endpoint defaults to http://localhost:7460/rpc and may be overridden
with --rpc or LOTTERY_RPC_URL. Privileged commands read the admin token from
LOTTERY_ADMIN_TOKEN or prompt on the terminal.`)
}

// cliError pins the exit code an error should produce.
type cliError struct {
	exit int
	msg  string
}

func (e *cliError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &cliError{exit: exitConfig, msg: fmt.Sprintf(format, args...)}
}

func runtimeErrorf(format string, args ...interface{}) error {
	return &cliError{exit: exitRuntime, msg: fmt.Sprintf(format, args...)}
}

func timeoutErrorf(format string, args ...interface{}) error {
	return &cliError{exit: exitTimeout, msg: fmt.Sprintf(format, args...)}
}

func exitCodeFor(err error) int {
	var cerr *cliError
	if errors.As(err, &cerr) {
		return cerr.exit
	}
	return exitRuntime
}

type rpcErrorData struct {
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// callRPC posts a single JSON-RPC request and returns the raw result bytes.
// Server-reported domain codes are translated into CLI exit classes.
func callRPC(method string, params interface{}, privileged bool) (json.RawMessage, error) {
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
		return nil, runtimeErrorf("encode request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, runtimeErrorf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if privileged {
		token, err := tokenSource.Get()
		if err != nil {
			return nil, configErrorf("%v", err)
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, timeoutErrorf("POST %s: %v", rpcEndpoint, err)
		}
		return nil, runtimeErrorf("POST %s: %v", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int             `json:"code"`
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, runtimeErrorf("decode response (HTTP %d): %v", resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		exit := exitRuntime
		msg := rpcResp.Error.Message
		if len(rpcResp.Error.Data) > 0 {
			var data rpcErrorData
			if err := json.Unmarshal(rpcResp.Error.Data, &data); err == nil && data.Code != "" {
				exit = exitClassFor(data.Code)
				msg = fmt.Sprintf("%s: %s", data.Code, rpcResp.Error.Message)
			}
		}
		return nil, &cliError{exit: exit, msg: msg}
	}
	return rpcResp.Result, nil
}

func exitClassFor(code string) int {
	switch code {
	case "TIMEOUT", "LOCK_TIMEOUT":
		return exitTimeout
	case "CONFIG_VIOLATION", "GUARANTEE_MISCONFIGURED", "CAMPAIGN_NOT_FOUND", "NO_ACTIVE_PRICING":
		return exitConfig
	default:
		return exitRuntime
	}
}

// printResult renders the RPC result as indented JSON on stdout.
func printResult(result json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
