package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"homescript/internal/store"
	"homescript/internal/value"
)

var (
	host   string
	port   int
	name   string
	apiKey string
	track  []string
	count  int
	debug  bool
)

var rootCmd = &cobra.Command{
	Use:   "hsk-watch",
	Short: "Watch characteristic changes on a homescript daemon",
	Long:  "Connects to the /ws feed of a running homescript daemon and prints every characteristic change of the tracked accessories.",
	RunE:  runWatch,

	SilenceUsage: true,
}

func init() {
	_ = godotenv.Load()

	defaultHost := getEnvOrDefault("HSK_HOST", "localhost")
	defaultPort := getEnvIntOrDefault("HSK_PORT", 8080)
	defaultKey := getEnvOrDefault("HSK_API_KEY", "")
	defaultName := getEnvOrDefault("HSK_NAME", "hsk-watch")

	rootCmd.Flags().StringVarP(&host, "host", "H", defaultHost, "homescript host")
	rootCmd.Flags().IntVarP(&port, "port", "p", defaultPort, "homescript port")
	rootCmd.Flags().StringVarP(&name, "name", "n", defaultName, "Session name shown in /api/sessions")
	rootCmd.Flags().StringVarP(&apiKey, "api-key", "k", defaultKey, "API key for /api/track")
	rootCmd.Flags().StringArrayVarP(&track, "track", "t", nil, "Accessory to track first, as Home/Room/Name (repeatable)")
	rootCmd.Flags().IntVarP(&count, "count", "c", 0, "Number of changes to print before exiting (0 = infinite)")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Print coordinator events")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWatch(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseURL := fmt.Sprintf("http://%s:%d", host, port)
	for _, arg := range track {
		id, err := parseTrackArg(arg)
		if err != nil {
			return err
		}
		if err := requestTrack(ctx, baseURL, apiKey, id); err != nil {
			return err
		}
	}

	w := newWatcher(os.Stdout)
	w.debug = debug
	err := w.run(ctx, baseURL, name, count)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

// parseTrackArg parses "Home/Room/Name". The room may be empty ("Home//Name").
func parseTrackArg(arg string) (store.Identity, error) {
	parts := strings.Split(arg, "/")
	if len(parts) != 3 {
		return store.Identity{}, fmt.Errorf("track %q: want Home/Room/Name", arg)
	}
	id, err := store.ParseIdentity([]string{parts[2], parts[1], parts[0]})
	if err != nil {
		return store.Identity{}, fmt.Errorf("track %q: %w", arg, err)
	}
	return id, nil
}

func requestTrack(ctx context.Context, baseURL, key string, id store.Identity) error {
	body, err := json.Marshal(id)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/track", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create track request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("track %s: %w", id, err)
	}
	defer resp.Body.Close()

	var result struct {
		Identity store.Identity `json:"identity"`
		Tracked  bool           `json:"tracked"`
		Error    string         `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return fmt.Errorf("track %s: status %d", id, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("track %s: %s", id, result.Error)
	}
	if !result.Tracked {
		fmt.Printf("%s not found yet, still waiting in the background\n", id)
		return nil
	}
	fmt.Printf("tracking %s\n", result.Identity)
	return nil
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type snapshot struct {
	Session string        `json:"session"`
	Deltas  []store.Delta `json:"deltas"`
}

type charKey struct {
	id             store.Identity
	service        string
	characteristic string
}

// watcher prints the /ws feed. It remembers the last value of every
// characteristic so changes can be reported as old → new.
type watcher struct {
	out   io.Writer
	last  map[charKey]value.Value
	debug bool
}

func newWatcher(out io.Writer) *watcher {
	return &watcher{out: out, last: make(map[charKey]value.Value)}
}

// run reads frames until ctx ends or the connection drops. It stops early
// once limit changes were printed, if limit is positive.
func (w *watcher) run(ctx context.Context, baseURL, session string, limit int) error {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws?name=" + url.QueryEscape(session)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	seen := 0
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		n, err := w.handle(f)
		if err != nil {
			fmt.Fprintf(w.out, "skipping %s frame: %v\n", f.Type, err)
			continue
		}
		seen += n
		if limit > 0 && seen >= limit {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
	}
}

// handle prints one frame and returns the number of changes it reported.
func (w *watcher) handle(f frame) (int, error) {
	switch f.Type {
	case "snapshot":
		var snap snapshot
		if err := json.Unmarshal(f.Data, &snap); err != nil {
			return 0, err
		}
		fmt.Fprintf(w.out, "session %s: %d characteristics\n", snap.Session, len(snap.Deltas))
		for _, d := range snap.Deltas {
			w.last[keyOf(d)] = d.Record.Value
			fmt.Fprintf(w.out, "  %s %s %s = %s\n", d.Identity, d.Service, d.Characteristic, d.Record.Value)
		}
		return 0, nil
	case "delta":
		var d store.Delta
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return 0, err
		}
		old, had := w.last[keyOf(d)]
		w.last[keyOf(d)] = d.Record.Value
		fmt.Fprintf(w.out, "\n[%s] %s\n", d.Record.UpdatedAt.Local().Format("15:04:05"), formatChange(d, old, had))
		return 1, nil
	default:
		if w.debug {
			fmt.Fprintf(w.out, "[%s] event %s: %s\n", time.Now().Format("15:04:05"), f.Type, f.Data)
		}
		return 0, nil
	}
}

func keyOf(d store.Delta) charKey {
	return charKey{id: d.Identity, service: d.Service, characteristic: d.Characteristic}
}

func formatChange(d store.Delta, old value.Value, had bool) string {
	who := d.Identity.Name
	if d.Identity.Room != "" {
		who = d.Identity.Room + " " + who
	}
	v := d.Record.Value
	if !had {
		return fmt.Sprintf("%s %s: (new) %s", who, d.Characteristic, v)
	}

	switch d.Characteristic {
	case "On":
		if b, ok := v.AsBool(); ok {
			if b {
				return who + " turned ON"
			}
			return who + " turned OFF"
		}
	case "MotionDetected":
		if b, ok := v.AsBool(); ok {
			if b {
				return who + " motion DETECTED"
			}
			return who + " motion CLEARED"
		}
	case "Brightness", "BatteryLevel":
		return fmt.Sprintf("%s %s: %s%% → %s%%", who, strings.ToLower(d.Characteristic), old, v)
	case "CurrentTemperature":
		a, aok := old.AsDouble()
		b, bok := v.AsDouble()
		if aok && bok {
			return fmt.Sprintf("%s temperature: %.1f°C → %.1f°C", who, a, b)
		}
	}
	return fmt.Sprintf("%s %s: %s → %s", who, d.Characteristic, old, v)
}
