// Command labgate-cli is the labgate operator CLI.
// It talks to the gateway's operator API to list and end sessions,
// control enrollment desktops, and view audit history.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"labgate/internal/access"
	"labgate/internal/audit"
	"labgate/internal/lifecycle"
	"labgate/internal/registry"
)

const version = "1.0.0"

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "Gateway URL")
	token := flag.String("token", os.Getenv("LABGATE_TOKEN"), "Operator bearer token (default $LABGATE_TOKEN)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "labgate-cli v%s - labgate operator interface\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: labgate-cli [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  sessions              List live sessions\n")
		fmt.Fprintf(os.Stderr, "  end <key>             End a session\n")
		fmt.Fprintf(os.Stderr, "  ready <key>           Check whether a desktop accepts connections\n")
		fmt.Fprintf(os.Stderr, "  start <enrollment>    Start an enrollment's desktop\n")
		fmt.Fprintf(os.Stderr, "  stop <enrollment>     Stop an enrollment's desktop\n")
		fmt.Fprintf(os.Stderr, "  teardown <enrollment> Remove an enrollment's desktop\n")
		fmt.Fprintf(os.Stderr, "  check-expired         End exam sessions past their deadline\n")
		fmt.Fprintf(os.Stderr, "  end-exam <session>    Force-end an exam session\n")
		fmt.Fprintf(os.Stderr, "  audit [limit]         View the session audit log\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	client := &Client{baseURL: *apiURL, token: *token, http: &http.Client{Timeout: 2 * time.Minute}}
	command := flag.Arg(0)

	switch command {
	case "sessions":
		if err := client.Sessions(); err != nil {
			fatal("sessions: %v", err)
		}
	case "end":
		key := requireArg("end requires a session key")
		if err := client.End(key); err != nil {
			fatal("end: %v", err)
		}
		fmt.Printf("Session %s ended\n", key)
	case "ready":
		if err := client.Ready(requireArg("ready requires a session key")); err != nil {
			fatal("ready: %v", err)
		}
	case "start":
		if err := client.Start(requireID("start requires an enrollment ID")); err != nil {
			fatal("start: %v", err)
		}
	case "stop":
		id := requireID("stop requires an enrollment ID")
		if err := client.Stop(id); err != nil {
			fatal("stop: %v", err)
		}
		fmt.Printf("Enrollment %d stopped\n", id)
	case "teardown":
		id := requireID("teardown requires an enrollment ID")
		if err := client.Teardown(id); err != nil {
			fatal("teardown: %v", err)
		}
		fmt.Printf("Enrollment %d torn down\n", id)
	case "check-expired":
		if err := client.CheckExpired(); err != nil {
			fatal("check-expired: %v", err)
		}
	case "end-exam":
		id := requireID("end-exam requires an exam session ID")
		if err := client.EndExam(id); err != nil {
			fatal("end-exam: %v", err)
		}
		fmt.Printf("Exam session %d ended\n", id)
	case "audit":
		limit := 50
		if flag.NArg() >= 2 {
			n, err := strconv.Atoi(flag.Arg(1))
			if err != nil || n <= 0 {
				fatal("audit limit must be a positive integer")
			}
			limit = n
		}
		if err := client.Audit(limit); err != nil {
			fatal("audit: %v", err)
		}
	default:
		fatal("unknown command: %s", command)
	}
}

func requireArg(msg string) string {
	if flag.NArg() < 2 {
		fatal("%s", msg)
	}
	return flag.Arg(1)
}

func requireID(msg string) int64 {
	id, err := strconv.ParseInt(requireArg(msg), 10, 64)
	if err != nil || id <= 0 {
		fatal("invalid ID: %s", flag.Arg(1))
	}
	return id
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// Client is the HTTP client for the operator API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// apiError mirrors the error body of the gateway.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(method, path string, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var envelope struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
			return fmt.Errorf("HTTP %d %s: %s", resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Sessions lists live sessions.
func (c *Client) Sessions() error {
	var resp struct {
		Data []registry.Handle `json:"data"`
	}
	if err := c.do(http.MethodGet, "/api/sessions", &resp); err != nil {
		return err
	}

	if len(resp.Data) == 0 {
		fmt.Println("No live sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATUS\tKIND\tBACKING\tCONTAINER\tCREATED")
	for _, h := range resp.Data {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			h.Key, statusLabel(h.Status), h.Kind, h.BackingID, shortID(h.ContainerID), h.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

// End ends a session by key.
func (c *Client) End(key string) error {
	return c.do(http.MethodDelete, "/api/sessions/"+key, nil)
}

// Ready prints whether a desktop accepts connections.
func (c *Client) Ready(key string) error {
	var resp struct {
		Ready bool `json:"ready"`
	}
	if err := c.do(http.MethodGet, "/api/sessions/"+key+"/ready", &resp); err != nil {
		return err
	}
	fmt.Printf("%s ready: %v\n", key, resp.Ready)
	return nil
}

// Start starts an enrollment's desktop.
func (c *Client) Start(id int64) error {
	var resp struct {
		Data access.Access `json:"data"`
	}
	if err := c.do(http.MethodPost, fmt.Sprintf("/api/enrollments/%d/start", id), &resp); err != nil {
		return err
	}
	fmt.Printf("Session:   %s\n", resp.Data.SessionKey)
	fmt.Printf("Container: %s\n", shortID(resp.Data.ContainerID))
	fmt.Printf("Created:   %v\n", resp.Data.Created)
	fmt.Printf("Viewer:    %s\n", resp.Data.RedirectTarget)
	return nil
}

// Stop stops an enrollment's desktop.
func (c *Client) Stop(id int64) error {
	return c.do(http.MethodPost, fmt.Sprintf("/api/enrollments/%d/stop", id), nil)
}

// Teardown removes an enrollment's desktop.
func (c *Client) Teardown(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/enrollments/%d/container", id), nil)
}

// CheckExpired runs an expiry sweep now.
func (c *Client) CheckExpired() error {
	var resp struct {
		Data struct {
			Terminated int `json:"terminated"`
		} `json:"data"`
	}
	if err := c.do(http.MethodPost, "/api/exams/check-expired", &resp); err != nil {
		return err
	}
	fmt.Printf("Terminated %d expired exam session(s)\n", resp.Data.Terminated)
	return nil
}

// EndExam force-ends an exam session.
func (c *Client) EndExam(id int64) error {
	return c.do(http.MethodPost, fmt.Sprintf("/api/exam-sessions/%d/end", id), nil)
}

// Audit displays the newest audit entries.
func (c *Client) Audit(limit int) error {
	var resp struct {
		Data []audit.Entry `json:"data"`
	}
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/audit?limit=%d", limit), &resp); err != nil {
		return err
	}

	if len(resp.Data) == 0 {
		fmt.Println("No audit history")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tSESSION\tACTOR\tDROPPED\tERROR")
	for _, e := range resp.Data {
		timestamp := e.Timestamp
		if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			timestamp = t.Local().Format("15:04:05")
		}

		var dropped int64
		for _, n := range e.Dropped {
			dropped += n
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			timestamp, e.Event, e.SessionKey, e.Actor, dropped, e.Error)
	}
	return w.Flush()
}

func statusLabel(s lifecycle.State) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
