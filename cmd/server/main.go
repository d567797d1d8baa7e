// Copyright 2025 uzqw
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prismcache/prismcache/internal/adjust"
	"github.com/prismcache/prismcache/internal/feedback"
	"github.com/prismcache/prismcache/internal/generator"
	"github.com/prismcache/prismcache/internal/index"
	"github.com/prismcache/prismcache/internal/learning"
	"github.com/prismcache/prismcache/internal/metrics"
	"github.com/prismcache/prismcache/internal/optimize"
	"github.com/prismcache/prismcache/internal/params"
	"github.com/prismcache/prismcache/internal/persist"
	"github.com/prismcache/prismcache/internal/protocol"
	"github.com/prismcache/prismcache/internal/shard"
	"github.com/prismcache/prismcache/internal/strategy"
	"github.com/prismcache/prismcache/internal/vector"
	"github.com/prismcache/prismcache/internal/vectorize"
	"github.com/prismcache/prismcache/pkg/logger"
)

const (
	defaultPort = "6379"
	defaultHost = "0.0.0.0"
)

var (
	host      string
	port      string
	logFormat string
	logLevel  string
	log       *logger.Logger

	// Version is set at build time via ldflags
	Version = "dev"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prismcache-server",
		Short:   "Run the prismcache semantic cache server",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
	cmd.Flags().StringVar(&host, "host", defaultHost, "Host to bind to")
	cmd.Flags().StringVar(&port, "port", defaultPort, "Port to listen on")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	return cmd
}

// engine bundles the serving-path singletons held process-wide:
// the part index, the cache shard manager, the learned parameters, the
// vectorizer, the strategy selector and the self-learning loop.
type engine struct {
	vec      *vectorize.Engine
	parts    *index.Index
	cache    *shard.Manager
	paramSt  *params.Store
	selector *strategy.Selector
	feedback *feedback.Collector
	learn    *learning.Engine
	gen      generator.Generator
	shardCfg shard.Config
}

func newEngine() *engine {
	paramSt := params.NewStore(params.Default())
	cache := shard.New(shard.DefaultConfig())
	parts := index.New()
	gen := generator.NewStub()
	sel := strategy.New(parts, cache, gen, paramSt)
	fb := feedback.New()
	learn := learning.New(fb, optimize.New(), adjust.New(), paramSt, cache)

	return &engine{
		vec:      vectorize.New(),
		parts:    parts,
		cache:    cache,
		paramSt:  paramSt,
		selector: sel,
		feedback: fb,
		learn:    learn,
		gen:      gen,
		shardCfg: shard.DefaultConfig(),
	}
}

var eng *engine

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// runServer wires logging and the domain engine from parsed flags, then
// blocks serving connections until an interrupt is received.
func runServer() error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	format := logger.FormatText
	if strings.ToLower(logFormat) == "json" {
		format = logger.FormatJSON
	}

	log = logger.New(logger.Config{
		Format: format,
		Level:  level,
	})

	eng = newEngine()

	addr := fmt.Sprintf("%s:%s", host, port)
	log.Info("starting prismcache server", slog.String("addr", addr))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start listener", slog.String("error", err.Error()))
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	log.Info("server started successfully", slog.String("addr", addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		listener.Close()
	}()

	go monitorMemory(ctx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info("shutting down server")
				return nil
			default:
				log.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}
		}

		metrics.Global().IncrementActiveConnections()
		go handleConnection(ctx, conn)
	}
}

func handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		metrics.Global().DecrementActiveConnections()
	}()

	requestID := uuid.New().String()
	connLog := log.WithRequestID(ctx, requestID)

	connLog.Info("new connection", slog.String("remote", conn.RemoteAddr().String()))

	reader := protocol.NewRESPReader(conn)
	writer := protocol.NewRESPWriter(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		cmd, err := reader.ReadCommand()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				connLog.Debug("connection closed")
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				connLog.Info("connection timeout")
				return
			}
			connLog.Warn("protocol error", slog.String("error", err.Error()))
			if writeErr := writer.WriteError(err.Error()); writeErr != nil {
				return
			}
			if flushErr := writer.Flush(); flushErr != nil {
				return
			}
			return
		}

		if len(cmd) == 0 {
			continue
		}

		start := time.Now()
		processCommand(ctx, connLog, writer, cmd)
		latency := time.Since(start)

		connLog.Debug("command executed",
			slog.String("cmd", cmd[0]),
			slog.Int("args", len(cmd)-1),
			slog.Duration("latency", latency),
		)

		if err := writer.Flush(); err != nil {
			connLog.Error("failed to flush response", slog.String("error", err.Error()))
			return
		}
	}
}

// processCommand dispatches one request across the serving path: plain
// connection-management commands (PING/ECHO/QUIT), the vectorization +
// strategy-selection pipeline (VECTORIZE/SERVE/VARIATIONS), the part
// indexer and cache (INDEXPART/SEARCHPARTS/CACHEGET), the self-learning
// loop (FEEDBACK/SESSION/METRICS), and the export/import document.
func processCommand(ctx context.Context, log *logger.Logger, writer *protocol.RESPWriter, cmd []string) {
	command := strings.ToUpper(cmd[0])

	switch command {
	case "PING":
		handlePing(writer, cmd)
	case "ECHO":
		handleEcho(writer, cmd)
	case "QUIT":
		_ = writer.WriteSimpleString("OK")
	case "VECTORIZE":
		handleVectorize(writer, cmd)
	case "SERVE":
		handleServe(ctx, log, writer, cmd)
	case "VARIATIONS":
		handleVariations(ctx, writer, cmd)
	case "INDEXPART":
		handleIndexPart(writer, cmd)
	case "REMOVEPART":
		handleRemovePart(writer, cmd)
	case "SEARCHPARTS":
		handleSearchParts(writer, cmd)
	case "CACHEGET":
		handleCacheGet(writer, cmd)
	case "CACHECOUNT":
		_ = writer.WriteInteger(int64(eng.cache.Count()))
	case "SESSION":
		handleSession(writer, cmd)
	case "FEEDBACK":
		handleFeedback(writer, cmd)
	case "METRICS":
		handleLearningMetrics(writer)
	case "EXPORT":
		handleExport(writer)
	case "IMPORT":
		handleImport(writer, cmd)
	case "STATS", "INFO":
		handleStats(writer)
	case "CLEAR":
		handleClear(writer)
	default:
		_ = writer.WriteError(fmt.Sprintf("unknown command '%s'", command))
	}
}

func handlePing(writer *protocol.RESPWriter, cmd []string) {
	if len(cmd) == 1 {
		_ = writer.WriteSimpleString("PONG")
	} else {
		_ = writer.WriteBulkString(cmd[1])
	}
}

func handleEcho(writer *protocol.RESPWriter, cmd []string) {
	if len(cmd) < 2 {
		_ = writer.WriteError("wrong number of arguments for 'echo' command")
		return
	}
	_ = writer.WriteBulkString(cmd[1])
}

// vectorDoc is the JSON wire shape for a MultiLayerVector returned to
// clients (mirrors internal/persist.VectorDoc without importing it, since
// persist's doc is part of the export/import contract specifically).
type vectorDoc struct {
	Subject     []float32                                   `json:"subject"`
	Attribute   []float32                                   `json:"attribute"`
	Style       []float32                                   `json:"style"`
	Composition []float32                                   `json:"composition"`
	Emotion     []float32                                   `json:"emotion"`
	Relation    [vector.NumLayers][vector.NumLayers]float32 `json:"relationMatrix"`
}

func toVectorDoc(v *vector.MultiLayerVector) vectorDoc {
	return vectorDoc{
		Subject:     v.Subject,
		Attribute:   v.Attribute,
		Style:       v.Style,
		Composition: v.Composition,
		Emotion:     v.Emotion,
		Relation:    v.Relation,
	}
}

// handleVectorize handles VECTORIZE "<text>": runs the vectorization
// engine and returns the resulting MultiLayerVector as JSON.
func handleVectorize(writer *protocol.RESPWriter, cmd []string) {
	if len(cmd) < 2 {
		_ = writer.WriteError("wrong number of arguments for 'vectorize' command")
		return
	}
	v := eng.vec.Vectorize(cmd[1])
	if err := writer.WriteJSON(toVectorDoc(v)); err != nil {
		_ = writer.WriteError(err.Error())
	}
}

// serveResponse is the JSON shape returned by SERVE.
type serveResponse struct {
	Strategy          string   `json:"strategy"`
	UsedPartIDs       []string `json:"usedPartIds,omitempty"`
	CacheItemID       string   `json:"cacheItemId,omitempty"`
	DenoisingStrength float32  `json:"denoisingStrength,omitempty"`
	ArtifactBase64    string   `json:"artifact"`
	Model             string   `json:"model"`
	Seed              uint32   `json:"seed"`
}

// handleServe handles SERVE promptId text [strategy]: the full serving
// path -- vectorize, run the strategy selector (or a user-forced
// strategy), and remember the resolved vector under promptId so a later
// confusion pattern can be adjusted against it (internal/learning's
// query-vector side table).
func handleServe(ctx context.Context, log *logger.Logger, writer *protocol.RESPWriter, cmd []string) {
	if len(cmd) < 3 {
		_ = writer.WriteError("wrong number of arguments for 'serve' command")
		return
	}
	promptID, text := cmd[1], cmd[2]

	var forced *strategy.Strategy
	if len(cmd) >= 4 && cmd[3] != "" {
		s := strategy.Strategy(strings.ToLower(cmd[3]))
		forced = &s
	}

	metrics.Global().IncrementRequests()

	query := eng.vec.Vectorize(text)
	eng.learn.RecordQueryVector(promptID, query)

	res, err := eng.selector.Select(ctx, query, text, forced)
	if err != nil {
		log.Warn("strategy selection failed", slog.String("error", err.Error()))
		_ = writer.WriteError(err.Error())
		return
	}
	metrics.Global().RecordStrategy(string(res.Strategy))

	resp := serveResponse{
		Strategy:       string(res.Strategy),
		ArtifactBase64: protocol.EncodeBlob(res.Artifact),
		Model:          res.Params.Model,
		Seed:           res.Params.Seed,
	}
	for _, p := range res.UsedParts {
		resp.UsedPartIDs = append(resp.UsedPartIDs, p.ID)
	}
	if res.CacheItem != nil {
		resp.CacheItemID = res.CacheItem.ID
	}
	resp.DenoisingStrength = res.DenoisingStrength

	if res.Strategy == strategy.New {
		item := &shard.CacheItem{ID: promptID, Vector: query, Artifact: res.Artifact, CreatedAt: time.Now()}
		eng.cache.Insert(item)
		metrics.Global().IncrementCacheItems()
		metrics.Global().SetTotalParts(uint64(eng.parts.Count()))
	}

	if err := writer.WriteJSON(resp); err != nil {
		_ = writer.WriteError(err.Error())
	}
}

// handleVariations handles VARIATIONS text count sigma: generates count
// noisy variants of the freshly vectorized base and diff-renders each.
func handleVariations(ctx context.Context, writer *protocol.RESPWriter, cmd []string) {
	if len(cmd) < 4 {
		_ = writer.WriteError("wrong number of arguments for 'variations' command")
		return
	}
	text := cmd[1]
	count, err := strconv.Atoi(cmd[2])
	if err != nil || count <= 0 {
		_ = writer.WriteError("count must be a positive integer")
		return
	}
	sigma, err := strconv.ParseFloat(cmd[3], 32)
	if err != nil {
		_ = writer.WriteError("sigma must be a float")
		return
	}

	p := eng.paramSt.Get()
	base := eng.vec.Vectorize(text)
	gp := strategy.DefaultGenerationParams()

	results, err := strategy.GenerateVariations(ctx, eng.parts, p.LayerWeights, base, count, float32(sigma), p.Thresholds.DiffGeneration, text, gp, eng.gen)
	if err != nil {
		_ = writer.WriteError(err.Error())
		return
	}

	artifacts := make([][]byte, len(results))
	for i, r := range results {
		artifacts[i] = r.Artifact
	}
	_ = writer.WriteBlobArray(artifacts)
}

func handleIndexPart(writer *protocol.RESPWriter, cmd []string) {
	// INDEXPART id type text blobBase64 confidence provenance
	if len(cmd) < 7 {
		_ = writer.WriteError("wrong number of arguments for 'indexpart' command")
		return
	}
	id, typ, text, blobB64, confStr, provenance := cmd[1], cmd[2], cmd[3], cmd[4], cmd[5], cmd[6]

	blob, err := protocol.DecodeBlob(blobB64)
	if err != nil {
		_ = writer.WriteError(err.Error())
		return
	}
	confidence, err := strconv.ParseFloat(confStr, 32)
	if err != nil {
		_ = writer.WriteError("confidence must be a float")
		return
	}

	part := &index.Part{
		ID:     id,
		Type:   index.PartType(strings.ToLower(typ)),
		Vector: eng.vec.Vectorize(text),
		Blob:   blob,
		Metadata: index.Metadata{
			Confidence: float32(confidence),
			Provenance: provenance,
		},
	}
	eng.parts.IndexParts([]*index.Part{part})
	metrics.Global().SetTotalParts(uint64(eng.parts.Count()))
	_ = writer.WriteSimpleString("OK")
}

func handleRemovePart(writer *protocol.RESPWriter, cmd []string) {
	if len(cmd) < 2 {
		_ = writer.WriteError("wrong number of arguments for 'removepart' command")
		return
	}
	removed := eng.parts.RemovePart(cmd[1])
	metrics.Global().SetTotalParts(uint64(eng.parts.Count()))
	if removed {
		_ = writer.WriteInteger(1)
	} else {
		_ = writer.WriteInteger(0)
	}
}

func handleSearchParts(writer *protocol.RESPWriter, cmd []string) {
	// SEARCHPARTS text topK minSimilarity [type]
	if len(cmd) < 4 {
		_ = writer.WriteError("wrong number of arguments for 'searchparts' command")
		return
	}
	topK, err := strconv.Atoi(cmd[2])
	if err != nil {
		_ = writer.WriteError("topK must be an integer")
		return
	}
	minSim, err := strconv.ParseFloat(cmd[3], 32)
	if err != nil {
		_ = writer.WriteError("minSimilarity must be a float")
		return
	}

	var partType *index.PartType
	if len(cmd) >= 5 && cmd[4] != "" {
		t := index.PartType(strings.ToLower(cmd[4]))
		partType = &t
	}

	query := eng.vec.Vectorize(cmd[1])
	weights := index.DefaultWeights(eng.paramSt)
	results, err := eng.parts.Search(query, topK, float32(minSim), weights, partType)
	if err != nil {
		_ = writer.WriteError(err.Error())
		return
	}

	out := make([]string, len(results))
	for i, r := range results {
		out[i] = fmt.Sprintf("%s:%.6f", r.Part.ID, r.Similarity)
	}
	_ = writer.WriteArray(out)
}

func handleCacheGet(writer *protocol.RESPWriter, cmd []string) {
	if len(cmd) < 2 {
		_ = writer.WriteError("wrong number of arguments for 'cacheget' command")
		return
	}
	item, ok := eng.cache.Get(cmd[1])
	if !ok {
		_ = writer.WriteBulkString("")
		return
	}
	_ = writer.WriteBlob(item.Artifact)
}

func handleSession(writer *protocol.RESPWriter, cmd []string) {
	// SESSION START|END sessionId
	if len(cmd) < 3 {
		_ = writer.WriteError("wrong number of arguments for 'session' command")
		return
	}
	switch strings.ToUpper(cmd[1]) {
	case "START":
		eng.feedback.StartSession(cmd[2])
	case "END":
		eng.feedback.EndSession(cmd[2])
	default:
		_ = writer.WriteError("session sub-command must be START or END")
		return
	}
	_ = writer.WriteSimpleString("OK")
}

// handleFeedback handles:
//   FEEDBACK promptId resultId verdict regenCount editCount dwellMs clickedVariants [userId] [sessionId]
// verdict is one of "accept", "reject", or "none" (implicit-only feedback).
func handleFeedback(writer *protocol.RESPWriter, cmd []string) {
	if len(cmd) < 8 {
		_ = writer.WriteError("wrong number of arguments for 'feedback' command")
		return
	}
	promptID, resultID, verdict := cmd[1], cmd[2], strings.ToLower(cmd[3])

	regen, err := strconv.Atoi(cmd[4])
	if err != nil {
		_ = writer.WriteError("regenerationCount must be an integer")
		return
	}
	edits, err := strconv.Atoi(cmd[5])
	if err != nil {
		_ = writer.WriteError("editCount must be an integer")
		return
	}
	dwell, err := strconv.ParseInt(cmd[6], 10, 64)
	if err != nil {
		_ = writer.WriteError("dwellTimeMs must be an integer")
		return
	}
	clicked, err := strconv.Atoi(cmd[7])
	if err != nil {
		_ = writer.WriteError("clickedVariants must be an integer")
		return
	}

	var explicit *bool
	switch verdict {
	case "accept":
		v := true
		explicit = &v
	case "reject":
		v := false
		explicit = &v
	case "none":
		explicit = nil
	default:
		_ = writer.WriteError("verdict must be accept, reject or none")
		return
	}

	rec := feedback.Record{
		PromptID: promptID,
		ResultID: resultID,
		Explicit: explicit,
		Implicit: feedback.Implicit{
			RegenerationCount: regen,
			EditCount:         edits,
			DwellTimeMs:       dwell,
			ClickedVariants:   clicked,
		},
		Timestamp: time.Now(),
	}
	if len(cmd) >= 9 {
		rec.UserID = cmd[8]
	}
	if len(cmd) >= 10 {
		rec.SessionID = cmd[9]
	}

	eng.learn.RecordFeedback(rec)
	metrics.Global().IncrementFeedback()
	m := eng.learn.Metrics()
	metrics.Global().SetConverged(m.ParameterConvergence)

	_ = writer.WriteSimpleString("OK")
}

func handleLearningMetrics(writer *protocol.RESPWriter) {
	if err := writer.WriteJSON(eng.learn.Metrics()); err != nil {
		_ = writer.WriteError(err.Error())
	}
}

func handleExport(writer *protocol.RESPWriter) {
	doc := persist.Export(eng.parts, eng.paramSt, eng.shardCfg)
	data, err := persist.Marshal(doc)
	if err != nil {
		_ = writer.WriteError(err.Error())
		return
	}
	_ = writer.WriteBulkString(string(data))
}

func handleImport(writer *protocol.RESPWriter, cmd []string) {
	if len(cmd) < 2 {
		_ = writer.WriteError("wrong number of arguments for 'import' command")
		return
	}
	doc, err := persist.Unmarshal([]byte(cmd[1]))
	if err != nil {
		_ = writer.WriteError(err.Error())
		return
	}
	cfg, err := persist.Import(doc, eng.parts, eng.paramSt)
	if err != nil {
		_ = writer.WriteError(err.Error())
		return
	}
	eng.shardCfg = cfg
	metrics.Global().SetTotalParts(uint64(eng.parts.Count()))
	_ = writer.WriteSimpleString("OK")
}

func handleStats(writer *protocol.RESPWriter) {
	jsonStr, err := metrics.Global().JSON()
	if err != nil {
		_ = writer.WriteError(err.Error())
		return
	}
	_ = writer.WriteBulkString(jsonStr)
}

func handleClear(writer *protocol.RESPWriter) {
	eng.parts.ClearIndex()
	eng.cache.Clear()
	metrics.Global().SetTotalParts(0)
	_ = writer.WriteSimpleString("OK")
}

func monitorMemory(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			metrics.Global().SetMemoryUsage(m.Alloc)
		}
	}
}
