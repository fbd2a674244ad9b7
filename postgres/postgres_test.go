package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"

	liveview "github.com/shogotsuneto/go-simple-liveview"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple table name",
			input:    "rows",
			expected: `"rows"`,
		},
		{
			name:     "table name with underscores",
			input:    "liveview_rows",
			expected: `"liveview_rows"`,
		},
		{
			name:     "table name with spaces",
			input:    "my rows",
			expected: `"my rows"`,
		},
		{
			name:     "table name with double quotes",
			input:    `table"name`,
			expected: `"table""name"`,
		},
		{
			name:     "table name with multiple double quotes",
			input:    `"table""name"`,
			expected: `"""table""""name"""`,
		},
		{
			name:     "empty string",
			input:    "",
			expected: `""`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := quoteIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("quoteIdentifier(%q) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	tests := []struct {
		name            string
		config          Config
		expectedTable   string
		expectedChannel string
		expectedMin     time.Duration
		expectedMax     time.Duration
	}{
		{
			name:            "defaults",
			config:          Config{ConnectionString: "test-conn"},
			expectedTable:   DefaultTableName,
			expectedChannel: DefaultChannel,
			expectedMin:     10 * time.Second,
			expectedMax:     time.Minute,
		},
		{
			name: "custom table and channel",
			config: Config{
				ConnectionString: "test-conn",
				TableName:        "quotes",
				Channel:          "quote_changes",
			},
			expectedTable:   "quotes",
			expectedChannel: "quote_changes",
			expectedMin:     10 * time.Second,
			expectedMax:     time.Minute,
		},
		{
			name: "max below min",
			config: Config{
				ConnectionString:     "test-conn",
				MinReconnectInterval: 2 * time.Minute,
				MaxReconnectInterval: time.Second,
			},
			expectedTable:   DefaultTableName,
			expectedChannel: DefaultChannel,
			expectedMin:     2 * time.Minute,
			expectedMax:     2 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config.withDefaults()
			if config.TableName != tt.expectedTable {
				t.Errorf("Expected table name %s, got %s", tt.expectedTable, config.TableName)
			}
			if config.Channel != tt.expectedChannel {
				t.Errorf("Expected channel %s, got %s", tt.expectedChannel, config.Channel)
			}
			if config.MinReconnectInterval != tt.expectedMin {
				t.Errorf("Expected min reconnect %v, got %v", tt.expectedMin, config.MinReconnectInterval)
			}
			if config.MaxReconnectInterval != tt.expectedMax {
				t.Errorf("Expected max reconnect %v, got %v", tt.expectedMax, config.MaxReconnectInterval)
			}
			if config.Logger == nil {
				t.Error("Expected a default logger")
			}
		})
	}
}

func TestInitSchema_EmptyTableName(t *testing.T) {
	// Test that InitSchema rejects empty table names
	err := InitSchema(nil, "")
	if err == nil {
		t.Fatal("InitSchema should return error for empty table name")
	}

	expectedError := "table name must not be empty"
	if err.Error() != expectedError {
		t.Errorf("Expected error %q, got %q", expectedError, err.Error())
	}
}

func TestNewSource_EmptyConnectionString(t *testing.T) {
	source, err := NewSource(Config{})
	if err == nil {
		t.Error("NewSource should return error for empty connection string")
	}
	if source != nil {
		t.Error("NewSource should return nil source for empty connection string")
	}
}

func TestBuildLoadQuery(t *testing.T) {
	client := &pgClient{tableName: "test_rows"}

	query, args := client.buildLoadQuery("market_data")
	for _, part := range []string{"SELECT key, data", `FROM "test_rows"`, "WHERE topic = $1", "ORDER BY seq ASC"} {
		if !strings.Contains(query, part) {
			t.Errorf("Expected query to contain %q, but got: %s", part, query)
		}
	}
	if len(args) != 1 || args[0] != "market_data" {
		t.Errorf("Expected args [market_data], got %v", args)
	}
}

func TestParseChange(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"upsert", `{"op":"upsert","topic":"t","key":"IBM","fields":{"bid":1.5}}`, false},
		{"delete", `{"op":"delete","topic":"t","key":"IBM"}`, false},
		{"not json", `upsert t IBM`, true},
		{"missing key", `{"op":"upsert","topic":"t"}`, true},
		{"missing topic", `{"op":"delete","key":"IBM"}`, true},
		{"unknown op", `{"op":"truncate","topic":"t","key":"IBM"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseChange(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseChange(%q) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
		})
	}
}

type collector struct {
	mu   sync.Mutex
	msgs []liveview.Message
}

func (c *collector) handle(msg liveview.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) wait(t *testing.T, n int) []liveview.Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]liveview.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d messages", n)
	return nil
}

// newLoadedSource returns a source that never touches a database: topic is
// marked as loaded with rows.
func newLoadedSource(topic string, rows ...liveview.Row) *Source {
	s := newSource(&pgClient{tableName: DefaultTableName, channel: DefaultChannel}, nil)
	s.hub.Replace(topic, rows)
	s.loaded[topic] = true
	return s
}

func TestSource_ListenerEvents(t *testing.T) {
	s := newLoadedSource("t")
	defer s.Close()

	var mu sync.Mutex
	var states []liveview.ConnectionState
	s.AddConnectionListener(func(state liveview.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	})

	s.handleEvent(pq.ListenerEventConnected, nil)
	s.handleEvent(pq.ListenerEventConnectionAttemptFailed, errors.New("refused"))
	s.handleEvent(pq.ListenerEventDisconnected, errors.New("reset by peer"))
	s.handleEvent(pq.ListenerEventReconnected, nil)

	mu.Lock()
	defer mu.Unlock()
	want := []liveview.ConnectionState{liveview.Disconnected, liveview.Connected, liveview.Disconnected, liveview.Connected}
	if len(states) != len(want) {
		t.Fatalf("Expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("Expected state %d to be %s, got %s", i, want[i], states[i])
		}
	}
	if s.loaded["t"] {
		t.Error("Expected loaded topics to be forgotten after a disconnect")
	}
}

func TestSource_IssueQuery_NotConnected(t *testing.T) {
	s := newLoadedSource("t")
	defer s.Close()

	_, err := s.IssueQuery(context.Background(), liveview.Query{Topic: "t"}, func(liveview.Message) {})
	if !errors.Is(err, liveview.ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSource_IssueQuery_Rejected(t *testing.T) {
	s := newLoadedSource("t")
	defer s.Close()
	s.handleEvent(pq.ListenerEventConnected, nil)

	_, err := s.IssueQuery(context.Background(), liveview.Query{Topic: "t", Options: "bogus"}, func(liveview.Message) {})
	if !liveview.IsQueryRejected(err) {
		t.Fatalf("Expected QueryRejectedError, got %v", err)
	}
}

func TestSource_NotificationsUpdateStreams(t *testing.T) {
	s := newLoadedSource("t", liveview.NewRow("IBM", map[string]any{"bid": 100.0}))
	defer s.Close()
	s.handleEvent(pq.ListenerEventConnected, nil)

	var c collector
	handle, err := s.IssueQuery(context.Background(), liveview.Query{Topic: "t"}, c.handle)
	if err != nil {
		t.Fatalf("IssueQuery failed: %v", err)
	}

	s.handleNotification(&pq.Notification{Channel: DefaultChannel, Extra: `{"op":"upsert","topic":"t","key":"GE","fields":{"bid":10}}`})
	s.handleNotification(&pq.Notification{Channel: DefaultChannel, Extra: `garbage`})
	s.handleNotification(&pq.Notification{Channel: DefaultChannel, Extra: `{"op":"upsert","topic":"other","key":"X"}`})
	s.handleNotification(&pq.Notification{Channel: DefaultChannel, Extra: `{"op":"delete","topic":"t","key":"IBM"}`})

	msgs := c.wait(t, 5)
	want := []string{"BatchBegin", "SnapshotRow", "BatchEnd", "Upsert", "Remove"}
	for i, kind := range want {
		if msgs[i].Kind.String() != kind {
			t.Errorf("Expected message %d to be %s, got %s", i, kind, msgs[i].Kind)
		}
	}
	if msgs[3].Key != "GE" || msgs[4].Key != "IBM" {
		t.Errorf("Unexpected keys %s, %s", msgs[3].Key, msgs[4].Key)
	}
	if len(s.hub.Rows("other")) != 0 {
		t.Error("Expected notifications of unloaded topics to be ignored")
	}

	if err := s.Cancel(handle); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
}

func TestSource_DisconnectDropsStreams(t *testing.T) {
	s := newLoadedSource("t")
	defer s.Close()
	s.handleEvent(pq.ListenerEventConnected, nil)

	if _, err := s.IssueQuery(context.Background(), liveview.Query{Topic: "t"}, func(liveview.Message) {}); err != nil {
		t.Fatalf("IssueQuery failed: %v", err)
	}
	if s.hub.Streams() != 1 {
		t.Fatalf("Expected 1 stream, got %d", s.hub.Streams())
	}

	s.handleEvent(pq.ListenerEventDisconnected, errors.New("gone"))
	if s.hub.Streams() != 0 {
		t.Errorf("Expected streams to be dropped, got %d", s.hub.Streams())
	}
}

func TestSource_LoadSurvivesCancelledCaller(t *testing.T) {
	s := newSource(&pgClient{tableName: DefaultTableName, channel: DefaultChannel}, nil)
	defer s.Close()
	s.handleEvent(pq.ListenerEventConnected, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	s.loadRows = func(ctx context.Context, topic string) ([]liveview.Row, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []liveview.Row{liveview.NewRow("IBM", map[string]any{"bid": 100.0})}, nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.IssueQuery(firstCtx, liveview.Query{Topic: "t"}, func(liveview.Message) {})
		firstErr <- err
	}()
	<-started

	var c collector
	secondErr := make(chan error, 1)
	go func() {
		_, err := s.IssueQuery(context.Background(), liveview.Query{Topic: "t"}, c.handle)
		secondErr <- err
	}()

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected the cancelled caller to get context.Canceled, got %v", err)
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("Expected the waiting caller to be unaffected, got %v", err)
	}
	msgs := c.wait(t, 3)
	if msgs[1].Kind != liveview.SnapshotRow || msgs[1].Key != "IBM" {
		t.Errorf("Expected the loaded row in the snapshot, got %+v", msgs[1])
	}
	if !s.loaded["t"] {
		t.Error("Expected the topic to be loaded")
	}
}
