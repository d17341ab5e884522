package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/gpupool/pkg/poolapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "batch":
		runBatch(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "utilization":
		runGet(os.Args[2:], "/v1/utilization")
	case "metrics":
		runGet(os.Args[2:], "/v1/metrics")
	case "history":
		runHistory(os.Args[2:])
	case "warmup":
		runWarmUp(os.Args[2:])
	case "clear-queues":
		runClearQueues(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: poolctl <submit|batch|cancel|utilization|metrics|history|warmup|clear-queues> [...]")
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func baseURL() string {
	if v := strings.TrimSpace(os.Getenv("POOL_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

// paramsFlag collects repeated -param key=value pairs.
type paramsFlag struct {
	params poolapi.Params
}

func (p *paramsFlag) String() string { return fmt.Sprintf("%v", p.params) }

func (p *paramsFlag) Set(raw string) error {
	key, val, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", key, err)
	}
	if p.params == nil {
		p.params = poolapi.Params{}
	}
	p.params[strings.TrimSpace(key)] = f
	return nil
}

func runSubmit(args []string) {
	fs := newFlagSet("submit")
	hypothesis := fs.String("hypothesis", "", "hypothesis id")
	tier := fs.String("tier", "low", "tier: low|mid|high")
	priority := fs.String("priority", "normal", "priority: critical|high|normal|low")
	kind := fs.String("kind", "monte_carlo", "request kind")
	var params paramsFlag
	fs.Var(&params, "param", "parameter key=value (repeatable)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*hypothesis) == "" {
		*hypothesis = "hyp-" + strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
	}
	req := poolapi.SubmitValidationRequest{
		HypothesisID: *hypothesis,
		Tier:         *tier,
		Priority:     *priority,
		Kind:         *kind,
		Params:       params.params,
	}
	postAndPrint("/v1/validations", req)
}

func runBatch(args []string) {
	fs := newFlagSet("batch")
	file := fs.String("file", "", "JSON file with {\"specs\": [...]}; - for stdin")
	_ = fs.Parse(args)

	if strings.TrimSpace(*file) == "" {
		fatalf("--file is required")
	}
	var raw []byte
	var err error
	if *file == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*file)
	}
	if err != nil {
		fatalf("read batch file: %v", err)
	}
	var req poolapi.SubmitBatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		fatalf("parse batch file: %v", err)
	}
	postAndPrint("/v1/validations/batch", req)
}

func runCancel(args []string) {
	fs := newFlagSet("cancel")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: poolctl cancel <task-id>")
	}
	req, err := http.NewRequest(http.MethodDelete, baseURL()+"/v1/validations/"+fs.Arg(0), nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	doAndPrint(req)
}

func runGet(args []string, path string) {
	fs := newFlagSet(strings.TrimPrefix(path, "/v1/"))
	prometheus := fs.Bool("prometheus", false, "render in Prometheus text format (metrics only)")
	_ = fs.Parse(args)
	if *prometheus && path == "/v1/metrics" {
		path = "/v1/metrics/prometheus"
	}
	req, err := http.NewRequest(http.MethodGet, baseURL()+path, nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	doAndPrint(req)
}

func runHistory(args []string) {
	fs := newFlagSet("history")
	limit := fs.Int("limit", 20, "max records")
	_ = fs.Parse(args)
	req, err := http.NewRequest(http.MethodGet, baseURL()+"/v1/history?limit="+strconv.Itoa(*limit), nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	doAndPrint(req)
}

func runWarmUp(args []string) {
	fs := newFlagSet("warmup")
	tier := fs.String("tier", "low", "tier: low|mid|high")
	count := fs.Int("count", 1, "warm instance count")
	_ = fs.Parse(args)
	postAndPrint("/v1/warmup", poolapi.WarmUpRequest{Tier: *tier, Count: *count})
}

func runClearQueues(args []string) {
	fs := newFlagSet("clear-queues")
	_ = fs.Parse(args)
	postAndPrint("/v1/admin/queues/clear", nil)
}

func postAndPrint(path string, payload any) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			fatalf("encode request: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, baseURL()+path, body)
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	doAndPrint(req)
}

func doAndPrint(req *http.Request) {
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("read response: %v", err)
	}
	out := prettyJSON(raw)
	if resp.StatusCode >= 300 {
		fmt.Fprintln(os.Stderr, out)
		os.Exit(1)
	}
	fmt.Println(out)
}

func prettyJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
