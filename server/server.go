// Package server exposes the query engine over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xhad/fundrag/internal/models"
	"github.com/xhad/fundrag/internal/types"
	"github.com/xhad/fundrag/pkg/llm"
	"github.com/xhad/fundrag/pkg/loader"
	"github.com/xhad/fundrag/pkg/rag"
	"github.com/xhad/fundrag/pkg/refresher"
	"github.com/xhad/fundrag/pkg/store"
	"github.com/xhad/fundrag/pkg/validate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

type Config struct {
	Port         string
	QueryTimeout time.Duration
	Streaming    bool
}

// Server ties the pipeline, store and refresh controller to their HTTP
// surface.
type Server struct {
	config    Config
	pipeline  *rag.Pipeline
	chat      *llm.ChatEngine
	store     *store.VectorStore
	chunker   types.Chunker
	refresher *refresher.Controller
}

func New(config Config, pipeline *rag.Pipeline, chat *llm.ChatEngine, vs *store.VectorStore, chunker types.Chunker, ctrl *refresher.Controller) *Server {
	if config.Port == "" {
		config.Port = "8080"
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 60 * time.Second
	}
	return &Server{
		config:    config,
		pipeline:  pipeline,
		chat:      chat,
		store:     vs,
		chunker:   chunker,
		refresher: ctrl,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/ingest", s.handleIngest)
	mux.HandleFunc("POST /api/v1/search", s.handleSearch)
	mux.HandleFunc("POST /api/v1/query", s.handleQuery)
	mux.HandleFunc("GET /api/v1/refresh-status", s.handleRefreshStatus)
	mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("DELETE /api/v1/collection", s.handleDeleteCollection)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

func (s *Server) ListenAndServe() error {
	log.Printf("Starting server on port %s", s.config.Port)
	return http.ListenAndServe(":"+s.config.Port, s.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	var lastUpdated string
	if t, err := s.store.LatestIngestion(r.Context()); err == nil && !t.IsZero() {
		lastUpdated = t.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"chunks":       count,
		"last_updated": lastUpdated,
	})
}

type ingestRequest struct {
	DataDir string `json:"data_dir"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DataDir == "" {
		writeError(w, http.StatusBadRequest, "data_dir is required")
		return
	}

	docs, err := loader.New(req.DataDir).LoadDocuments()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var chunks []models.Chunk
	for _, doc := range docs {
		chunks = append(chunks, s.chunker.Chunk(doc)...)
	}

	stats, err := s.store.Upsert(r.Context(), chunks)
	if err != nil {
		// Per-document transactions: committed work stays, report both.
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
			"stats": stats,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": len(docs),
		"stats":     stats,
	})
}

type searchRequest struct {
	Query  string            `json:"query"`
	K      int               `json:"k"`
	Filter map[string]string `json:"filter"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.K <= 0 {
		req.K = 5
	}

	chunks, err := s.store.Search(r.Context(), req.Query, req.K, req.Filter)
	if err != nil {
		if errors.Is(err, store.ErrEmptyIndex) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"results": []models.ScoredChunk{},
				"no_data": true,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": chunks})
}

type queryRequest struct {
	Question string            `json:"question"`
	K        int               `json:"k"`
	History  []models.ChatTurn `json:"history"`
}

type queryResponse struct {
	Answer      string   `json:"answer"`
	Citations   []string `json:"citations"`
	LastUpdated string   `json:"last_updated,omitempty"`
	NoData      bool     `json:"no_data,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validate.CheckQuestion(req.Question); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.QueryTimeout)
	defer cancel()

	result, err := s.pipeline.Answer(ctx, req.Question, req.K, req.History)
	if err != nil {
		if errors.Is(err, llm.ErrTimeout) {
			writeError(w, http.StatusGatewayTimeout, "The model took too long to answer. Please try again.")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := queryResponse{
		Answer:    result.Answer,
		Citations: result.Citations,
		NoData:    result.NoData,
	}
	if resp.Citations == nil {
		resp.Citations = []string{}
	}
	if !result.LastUpdated.IsZero() {
		resp.LastUpdated = result.LastUpdated.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	st := s.refresher.Status()
	resp := map[string]interface{}{
		"state":     string(st.State),
		"message":   st.Message,
		"processed": st.Processed,
		"total":     st.Total,
	}
	if !st.StartedAt.IsZero() {
		resp["started_at"] = st.StartedAt.Format(time.RFC3339)
	}
	if !st.EndedAt.IsZero() {
		resp["ended_at"] = st.EndedAt.Format(time.RFC3339)
	}
	if st.LastError != "" {
		resp["last_error"] = st.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

type refreshRequest struct {
	ScrapeOnly bool `json:"scrape_only"`
	IngestOnly bool `json:"ingest_only"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil {
		// An empty body means a full refresh.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ScrapeOnly && req.IngestOnly {
		writeError(w, http.StatusBadRequest, "scrape_only and ingest_only are mutually exclusive")
		return
	}

	accepted := s.refresher.TryTrigger(refresher.TriggerOptions{
		ScrapeOnly: req.ScrapeOnly,
		IngestOnly: req.IngestOnly,
	})
	if !accepted {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "a refresh cycle is already running",
			"status": s.refresher.Status().Message,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCollection(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "collection deleted"})
}

// wsMessage is the frame exchanged over the chat socket. Client frames carry
// type "question"; server frames stream back "status", "stream", "response",
// "citations" and "error".
type wsMessage struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var history []models.ChatTurn
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send(conn, "error", "invalid message")
			continue
		}

		answer := s.handleChatMessage(r.Context(), conn, msg.Content, history)
		if answer != "" {
			history = append(history, models.ChatTurn{Question: msg.Content, Answer: answer})
		}
	}
}

// handleChatMessage answers one socket question, streaming tokens when
// streaming is enabled. It returns the final answer text for the history.
func (s *Server) handleChatMessage(ctx context.Context, conn *websocket.Conn, question string, history []models.ChatTurn) string {
	if err := validate.CheckQuestion(question); err != nil {
		s.send(conn, "error", err.Error())
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	if !s.config.Streaming {
		result, err := s.pipeline.Answer(ctx, question, 0, history)
		if err != nil {
			s.send(conn, "error", err.Error())
			return ""
		}
		s.send(conn, "response", result.Answer)
		s.sendData(conn, "citations", result.Citations)
		return result.Answer
	}

	chunks, contextText, err := s.pipeline.Retrieve(ctx, question, 0)
	if err != nil {
		if errors.Is(err, store.ErrEmptyIndex) {
			s.send(conn, "response", "I don't have any fund data available yet. Please try again after the next data refresh.")
			return ""
		}
		s.send(conn, "error", err.Error())
		return ""
	}

	stream, err := s.chat.GenerateStream(ctx, question, contextText, s.pipeline.TrimHistory(history))
	if err != nil {
		s.send(conn, "error", err.Error())
		return ""
	}

	var full string
	for token := range stream {
		if len(full) == 0 && len(token) > 6 && token[:6] == "Error:" {
			s.send(conn, "error", token)
			return ""
		}
		full += token
		s.send(conn, "stream", token)
	}

	result := s.pipeline.Finish(question, full, chunks)
	s.send(conn, "response", result.Answer)
	s.sendData(conn, "citations", result.Citations)
	return result.Answer
}

func (s *Server) send(conn *websocket.Conn, msgType, content string) {
	if err := conn.WriteJSON(wsMessage{Type: msgType, Content: content}); err != nil {
		log.Printf("Error sending message: %v", err)
	}
}

func (s *Server) sendData(conn *websocket.Conn, msgType string, data interface{}) {
	msg := wsMessage{Type: msgType, Data: data}
	if data == nil {
		msg.Data = []string{}
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("Error sending message: %v", err)
	}
}
