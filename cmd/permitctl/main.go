// Command permitctl is an operator CLI for a running permitd instance: it
// triggers scheduler steps and queries the read-only API over HTTP.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultQueryAddr := getenv("PERMITCTL_QUERY_ADDR", "http://localhost:8080")
	defaultSchedAddr := getenv("PERMITCTL_SCHEDULER_ADDR", "http://localhost:8081")
	defaultSecret := os.Getenv("PERMITCTL_CRON_SECRET")

	root := flag.NewFlagSet("permitctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	queryAddrFlag := root.String("query-addr", defaultQueryAddr, "Query API base URL (env PERMITCTL_QUERY_ADDR)")
	schedAddrFlag := root.String("scheduler-addr", defaultSchedAddr, "Scheduler base URL (env PERMITCTL_SCHEDULER_ADDR)")
	secretFlag := root.String("cron-secret", defaultSecret, "Scheduler bearer secret (env PERMITCTL_CRON_SECRET)")
	timeoutFlag := root.Duration("timeout", 30*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	httpClient := &http.Client{Timeout: *timeoutFlag}
	query := &apiClient{baseURL: strings.TrimRight(*queryAddrFlag, "/"), http: httpClient}
	sched := &apiClient{baseURL: strings.TrimRight(*schedAddrFlag, "/"), token: strings.TrimSpace(*secretFlag), http: httpClient}

	switch remaining[0] {
	case "trigger":
		return handleTrigger(ctx, sched, remaining[1:])
	case "status":
		return handleStatus(ctx, sched)
	case "search":
		return handleSearch(ctx, query, remaining[1:])
	case "network":
		return handleNetwork(ctx, query, remaining[1:])
	case "clusters":
		return handleClusters(ctx, query, remaining[1:])
	case "anomalies":
		return handleAnomalies(ctx, query, remaining[1:])
	case "diagnose":
		return handleDiagnose(ctx, query, remaining[1:])
	case "timeline":
		return handleTimeline(ctx, query, remaining[1:])
	case "health":
		return handleHealth(ctx, query, sched)
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`permitctl: operate a running permitd instance

Usage:
  permitctl [global flags] <command> [flags]

Commands:
  trigger <step>            re-run a scheduler step now (ingest_nightly, refresh_signals, refresh_velocity, backup)
  status                     show recent scheduler runs
  search <name>               search entities by name (-type to filter)
  network <entity-id>        show an entity's relationship network (-hops)
  clusters                    list coordinated entity clusters (-min-size, -min-weight, -entity-type)
  anomalies                   scan for anomalous permitting patterns (-min-permits)
  diagnose <permit-number>    diagnose why a permit is stuck
  timeline <permit-type>      estimate a timeline (-triggers, -neighborhood)
  health                      check both servers' health

Global flags:
  -query-addr string      Query API base URL (default http://localhost:8080)
  -scheduler-addr string  Scheduler base URL (default http://localhost:8081)
  -cron-secret string     Scheduler bearer secret
  -timeout duration       HTTP request timeout (default 30s)`)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) request(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = "(no body)"
		}
		return nil, fmt.Errorf("%s %s: %s (status %d)", method, path, msg, resp.StatusCode)
	}
	return data, nil
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

var validTriggerSteps = map[string]string{
	"ingest_nightly":   "/triggers/ingest_nightly",
	"refresh_signals":  "/triggers/refresh_signals",
	"refresh_velocity": "/triggers/refresh_velocity",
	"backup":           "/triggers/backup",
}

func handleTrigger(ctx context.Context, sched *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: permitctl trigger <step>")
	}
	path, ok := validTriggerSteps[args[0]]
	if !ok {
		return fmt.Errorf("unknown step %q (want one of ingest_nightly, refresh_signals, refresh_velocity, backup)", args[0])
	}
	data, err := sched.request(ctx, http.MethodPost, path)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleStatus(ctx context.Context, sched *apiClient) error {
	data, err := sched.request(ctx, http.MethodGet, "/status")
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleSearch(ctx context.Context, query *apiClient, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	entityType := fs.String("type", "", "filter by entity_type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: permitctl search <name> [-type TYPE]")
	}
	q := url.Values{"name": {fs.Arg(0)}}
	if *entityType != "" {
		q.Set("entity_type", *entityType)
	}
	data, err := query.request(ctx, http.MethodGet, "/api/v1/entities/search?"+q.Encode())
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleNetwork(ctx context.Context, query *apiClient, args []string) error {
	fs := flag.NewFlagSet("network", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	hops := fs.Int("hops", 2, "max hops (1-3)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: permitctl network <entity-id> [-hops N]")
	}
	path := fmt.Sprintf("/api/v1/entities/%s/network?hops=%d", url.PathEscape(fs.Arg(0)), *hops)
	data, err := query.request(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleClusters(ctx context.Context, query *apiClient, args []string) error {
	fs := flag.NewFlagSet("clusters", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	minSize := fs.Int("min-size", 3, "minimum cluster size")
	minWeight := fs.Int("min-weight", 1, "minimum shared-permit edge weight")
	entityType := fs.String("entity-type", "", "restrict clusters to this entity_type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{"min_size": {fmt.Sprint(*minSize)}, "min_weight": {fmt.Sprint(*minWeight)}}
	if *entityType != "" {
		q.Set("entity_type", *entityType)
	}
	data, err := query.request(ctx, http.MethodGet, "/api/v1/clusters?"+q.Encode())
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleAnomalies(ctx context.Context, query *apiClient, args []string) error {
	fs := flag.NewFlagSet("anomalies", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	minPermits := fs.Int("min-permits", 5, "minimum permit count to consider")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{"min_permits": {fmt.Sprint(*minPermits)}}
	data, err := query.request(ctx, http.MethodGet, "/api/v1/anomalies?"+q.Encode())
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleDiagnose(ctx context.Context, query *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: permitctl diagnose <permit-number>")
	}
	path := "/api/v1/permits/" + url.PathEscape(args[0]) + "/diagnose"
	data, err := query.request(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleTimeline(ctx context.Context, query *apiClient, args []string) error {
	fs := flag.NewFlagSet("timeline", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	triggers := fs.String("triggers", "", "comma-separated trigger list (e.g. electrical,plumbing)")
	neighborhood := fs.String("neighborhood", "", "neighborhood name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: permitctl timeline <permit-type> [-triggers a,b] [-neighborhood N]")
	}
	q := url.Values{"permit_type": {fs.Arg(0)}}
	if *triggers != "" {
		for _, t := range strings.Split(*triggers, ",") {
			q.Add("trigger", strings.TrimSpace(t))
		}
	}
	if *neighborhood != "" {
		q.Set("neighborhood", *neighborhood)
	}
	data, err := query.request(ctx, http.MethodGet, "/api/v1/timeline/estimate?"+q.Encode())
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleHealth(ctx context.Context, query, sched *apiClient) error {
	qData, qErr := query.request(ctx, http.MethodGet, "/healthz")
	sData, sErr := sched.request(ctx, http.MethodGet, "/healthz")
	fmt.Println("query api:")
	if qErr != nil {
		fmt.Println("  error:", qErr)
	} else {
		prettyPrint(qData)
	}
	fmt.Println("scheduler:")
	if sErr != nil {
		fmt.Println("  error:", sErr)
	} else {
		prettyPrint(sData)
	}
	if qErr != nil || sErr != nil {
		return errors.New("one or more servers are unhealthy")
	}
	return nil
}

func getenv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
