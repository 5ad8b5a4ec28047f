package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"scenewarden/internal/debugapi"
)

const defaultURL = "http://127.0.0.1:8080"

func apiURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + debugapi.Prefix + path
}

// call performs one request and prints the response body. Non-2xx exits 1.
func call(method, u string, body any) []byte {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 30 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(string(b)))
		os.Exit(1)
	}
	return b
}

func getCmd(name, path string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	_ = fs.Parse(args)
	fmt.Print(string(call(http.MethodGet, apiURL(*baseURL, path), nil)))
}

func entitiesCmd(args []string) {
	fs := flag.NewFlagSet("entities", flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	kind := fs.String("kind", "", "kind filter: item|vehicle|place|object|occluder")
	_ = fs.Parse(args)

	path := "/entities"
	if k := strings.TrimSpace(*kind); k != "" {
		path += "?kind=" + url.QueryEscape(k)
	}
	fmt.Print(string(call(http.MethodGet, apiURL(*baseURL, path), nil)))
}

func entityCmd(args []string) {
	fs := flag.NewFlagSet("entity", flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: wardenctl entity <id>")
		os.Exit(2)
	}
	// Ids are node paths; keep the slashes.
	id := strings.TrimPrefix(fs.Arg(0), "/")
	fmt.Print(string(call(http.MethodGet, apiURL(*baseURL, "/entities/"+id), nil)))
}

func reloadCmd(args []string) {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	_ = fs.Parse(args)

	var resp debugapi.ReloadResponse
	if err := json.Unmarshal(call(http.MethodPost, apiURL(*baseURL, "/reload"), nil), &resp); err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	fmt.Printf("sources=%d rules=%d entities=%d\n", len(resp.Sources), resp.Rules, resp.Entities)
	for _, d := range resp.Diagnostics {
		fmt.Println(" ", d.String())
	}
	if resp.Faults != "" {
		fmt.Println("faults:", resp.Faults)
	}
}

func debugCmd(args []string) {
	fs := flag.NewFlagSet("debug", flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	_ = fs.Parse(args)

	var req *debugapi.DebugRequest
	if fs.NArg() > 0 {
		var on bool
		switch strings.ToLower(fs.Arg(0)) {
		case "on", "true", "1":
			on = true
		case "off", "false", "0":
		default:
			fmt.Fprintln(os.Stderr, "usage: wardenctl debug [on|off]")
			os.Exit(2)
		}
		req = &debugapi.DebugRequest{On: &on}
	}
	var body any
	if req != nil {
		body = req
	}
	var resp debugapi.DebugResponse
	if err := json.Unmarshal(call(http.MethodPost, apiURL(*baseURL, "/debug"), body), &resp); err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	state := "off"
	if resp.Debug {
		state = "on"
	}
	fmt.Println("debug", state)
}

func multiplierCmd(args []string) {
	fs := flag.NewFlagSet("multiplier", flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: wardenctl multiplier <value>")
		os.Exit(2)
	}
	v, err := strconv.ParseFloat(fs.Arg(0), 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad value:", err)
		os.Exit(2)
	}
	var resp debugapi.MultiplierRequest
	if err := json.Unmarshal(call(http.MethodPost, apiURL(*baseURL, "/multiplier"), debugapi.MultiplierRequest{Value: v}), &resp); err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	fmt.Printf("multiplier %g\n", resp.Value)
}

func dumpCmd(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	_ = fs.Parse(args)

	var body any
	if fs.NArg() > 0 {
		body = debugapi.DumpRequest{Path: fs.Arg(0)}
	}
	var resp debugapi.DumpResponse
	if err := json.Unmarshal(call(http.MethodPost, apiURL(*baseURL, "/dump"), body), &resp); err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	fmt.Printf("%s (tick %d, %d entities)\n", resp.Path, resp.Tick, resp.Entities)
}
