package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	liveview "github.com/shogotsuneto/go-simple-liveview"
	"github.com/shogotsuneto/go-simple-liveview/filter"
	"github.com/shogotsuneto/go-simple-liveview/internal/config"
	"github.com/shogotsuneto/go-simple-liveview/memory"
)

func TestParseFilterLine(t *testing.T) {
	tests := []struct {
		line       string
		wantTarget int
		wantFilter string
	}{
		{"/bid > 10", -1, "/bid > 10"},
		{"2: /ask < 100", 1, "/ask < 100"},
		{"1:", 0, ""},
		{"", -1, ""},
		{"3: /bid > 1", -1, "3: /bid > 1"},
		{"/symbol = 'A:B'", -1, "/symbol = 'A:B'"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			target, f := parseFilterLine(tt.line, 2)
			assert.Equal(t, tt.wantTarget, target)
			assert.Equal(t, tt.wantFilter, f)
		})
	}
}

func TestViewSpecs(t *testing.T) {
	demo := viewSpecs(&config.Config{Demo: true})
	require.Len(t, demo, 2)
	assert.Equal(t, "Top 20 Symbols by BID", demo[0].Title)
	assert.Equal(t, "oof,conflation=500ms,top_n=50,skip_n=10", demo[1].Query.Options)
	assert.Equal(t, demoFilter, demo[1].Query.Filter)

	single := viewSpecs(&config.Config{Topic: "orders", OrderBy: "/qty DESC", Filter: "/qty > 1"})
	require.Len(t, single, 1)
	assert.Equal(t, "orders", single[0].Title)
	assert.Equal(t, liveview.Query{Topic: "orders", OrderBy: "/qty DESC", Filter: "/qty > 1"}, single[0].Query)
	assert.Nil(t, single[0].Columns)
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBoard_RendersAndFilters(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := memory.NewSource(memory.Config{Logger: logger})
	defer src.Close()
	require.NoError(t, src.Publish(demoTopic, liveview.NewRow("IBM", map[string]any{"symbol": "IBM", "bid": 140.5, "ask": 141.0})))
	require.NoError(t, src.Publish(demoTopic, liveview.NewRow("MSFT", map[string]any{"symbol": "MSFT", "bid": 410.0, "ask": 411.0})))

	spec := viewSpecs(&config.Config{Demo: true})[0]
	ordering, err := filter.ParseOrderBy(spec.Query.OrderBy)
	require.NoError(t, err)
	controller, err := liveview.NewController(src, liveview.Config{Name: spec.Title, Query: spec.Query, Logger: logger})
	require.NoError(t, err)

	var out syncBuffer
	b := newBoard(&out, time.Millisecond, logger)
	b.add(&boardView{spec: spec, ordering: ordering, controller: controller})
	defer b.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.run(ctx)

	b.subscribeAll(ctx)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "$140.50")
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, out.String(), "MSFT", "four letter symbols are filtered out")

	b.applyFilter(ctx, -1, "/bid > 100")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "$410.00")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "/bid > 100", controller.Filter())

	b.reportError(io.ErrUnexpectedEOF)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Error in Top 20 Symbols by BID: unexpected EOF")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReadFilters(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := memory.NewSource(memory.Config{Logger: logger})
	defer src.Close()

	b := newBoard(io.Discard, time.Millisecond, logger)
	defer b.close()
	for _, spec := range viewSpecs(&config.Config{Demo: true}) {
		controller, err := liveview.NewController(src, liveview.Config{Name: spec.Title, Query: spec.Query, Logger: logger})
		require.NoError(t, err)
		b.add(&boardView{spec: spec, controller: controller})
	}

	readFilters(context.Background(), strings.NewReader("/bid > 1\n2: /ask < 5\n"), b)

	views := b.snapshot()
	assert.Equal(t, "/bid > 1", views[0].controller.Filter())
	assert.Equal(t, "/ask < 5", views[1].controller.Filter())
}
