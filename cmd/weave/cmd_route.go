package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskweave/internal/router"
)

var (
	routeWorker   string
	routeCategory string
	routeVars     []string
)

// routeCmd shows the routing decision without resolving
var routeCmd = &cobra.Command{
	Use:   "route [request]",
	Short: "Show whether a request would be handled locally or escalated",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRoute,
}

// resolveCmd runs the full pattern → route → escalate pipeline
var resolveCmd = &cobra.Command{
	Use:   "resolve [request]",
	Short: "Resolve a request through patterns, local handling or escalation",
	Long: `Resolves a request end to end:
  1. A cached pattern above the instant threshold answers immediately
  2. Otherwise the rule table decides local vs. escalated
  3. Local and escalated answers are saved as patterns for reuse
  4. If escalation fails, the best stored pattern answers in degraded mode`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

func init() {
	for _, c := range []*cobra.Command{routeCmd, resolveCmd} {
		c.Flags().StringVar(&routeWorker, "worker", "cli", "Worker the request belongs to")
		c.Flags().StringVar(&routeCategory, "category", "", "Request category")
	}
	resolveCmd.Flags().StringSliceVar(&routeVars, "var", nil, "Template variable key=value (repeatable)")
}

func buildRequest(args []string) router.Request {
	req := router.Request{
		WorkerID: routeWorker,
		Category: routeCategory,
		Input:    joinArgs(args),
	}
	if len(routeVars) > 0 {
		req.Context = make(map[string]string, len(routeVars))
		for _, kv := range routeVars {
			k, v, _ := strings.Cut(kv, "=")
			req.Context[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return req
}

func runRoute(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	d := e.Router.Route(buildRequest(args))
	if jsonOutput {
		return printJSON(d)
	}
	target := "escalate"
	if d.UseLocal {
		target = "local"
	}
	fmt.Printf("Decision:   %s\n", target)
	fmt.Printf("Reason:     %s\n", d.Reason)
	fmt.Printf("Confidence: %.2f (local %.1f / cloud %.1f)\n", d.Confidence, d.LocalScore, d.CloudScore)
	if d.UseLocal {
		fmt.Printf("Savings:    ~%d tokens\n", d.EstimatedSavings)
	}
	if len(d.Indicators) > 0 {
		fmt.Printf("Matched:    %s\n", strings.Join(d.Indicators, ", "))
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	req := buildRequest(args)
	res, err := e.Resolver.Resolve(ctx, req)
	if err != nil {
		logger.Error("Resolve failed", zap.String("worker", req.WorkerID), zap.Error(err))
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Printf("[%s] %s\n", res.Source, res.Response)
	switch {
	case res.TokensSaved > 0:
		fmt.Printf("saved ~%d tokens\n", res.TokensSaved)
	case res.TokensUsed > 0:
		fmt.Printf("used %d tokens\n", res.TokensUsed)
	}
	if res.Err != "" {
		fmt.Printf("degraded: %s\n", res.Err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
