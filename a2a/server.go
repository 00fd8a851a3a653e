package a2a

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/agentlib/agent"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
)

const (
	defaultName        = "AgentLib Agent"
	defaultDescription = "An agent exposed via agentlib A2A."
)

// Server serves one Agent. Runs are serialised because the Agent owns a
// single conversation; tasks are kept in memory for tasks/get.
type Server struct {
	agent       *agent.Agent
	name        string
	description string
	baseURL     string
	maxRuns     int
	logger      *slog.Logger

	runMu sync.Mutex

	mu    sync.RWMutex
	tasks map[string]*Task

	mux *http.ServeMux
}

type Option func(*Server)

func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

func WithDescription(desc string) Option {
	return func(s *Server) { s.description = desc }
}

// WithBaseURL fixes the public URL advertised in the agent card. Without it
// the URL is derived from each card request.
func WithBaseURL(u string) Option {
	return func(s *Server) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithMaxRuns bounds the RunUntilDone call made per message.
func WithMaxRuns(n int) Option {
	return func(s *Server) { s.maxRuns = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(a *agent.Agent, opts ...Option) *Server {
	s := &Server{
		agent:       a,
		name:        defaultName,
		description: defaultDescription,
		maxRuns:     agent.DefaultMaxRuns,
		logger:      slog.Default(),
		tasks:       make(map[string]*Task),
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET "+CardPath, s.handleAgentCard)
	s.mux.HandleFunc("GET /.well-known/agent-card.json", s.handleAgentCard)
	s.mux.HandleFunc("POST "+JSONRPCPath, s.handleJSONRPC)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("a2a request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "a2a server on %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Card builds the agent card with one skill per registry tool.
func (s *Server) Card(ctx context.Context, baseURL string) AgentCard {
	var skills []Skill
	for _, t := range s.agent.Registry.AllDescriptors(ctx) {
		skills = append(skills, Skill{ID: t.Name(), Name: t.Name(), Description: t.Description(), Tags: []string{"tool"}})
	}
	return AgentCard{
		Name:               s.name,
		Description:        s.description,
		ProtocolVersion:    ProtocolVersion,
		Version:            "1.0.0",
		URL:                baseURL + JSONRPCPath,
		PreferredTransport: "JSONRPC",
		Skills:             skills,
		DefaultInputModes:  []string{"text", "image"},
		DefaultOutputModes: []string{"text"},
	}
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, s.Card(r.Context(), s.resolveBaseURL(r)))
}

func (s *Server) resolveBaseURL(r *http.Request) string {
	if s.baseURL != "" {
		return s.baseURL
	}
	host := r.Header.Get("X-Forwarded-Host")
	scheme := r.Header.Get("X-Forwarded-Proto")
	if host == "" {
		host = r.Host
	}
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("bad JSON-RPC request", "error", err)
		s.writeRPCError(w, nil, codeParseError, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeRPCError(w, req.ID, codeInvalidRequest, "Invalid Request")
		return
	}
	s.logger.Info("a2a call", "method", req.Method, "id", string(req.ID))

	switch req.Method {
	case "message/send":
		s.handleMessageSend(w, r, &req)
	case "tasks/get":
		s.handleTasksGet(w, &req)
	default:
		s.writeRPCError(w, req.ID, codeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request, req *jsonRPCRequest) {
	var params messageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeRPCError(w, req.ID, codeInvalidParams, "Invalid params")
		return
	}
	msg, err := userMessage(params.Message)
	if err != nil {
		s.writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}

	contextID := params.Message.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	task := &Task{
		Kind:      "task",
		ID:        uuid.NewString(),
		ContextID: contextID,
		Status:    newStatus(TaskSubmitted, nil),
		History:   []Message{params.Message},
	}
	s.putTask(task)

	s.execute(r.Context(), task, msg)
	s.writeRPCResult(w, req.ID, s.snapshot(task.ID))
}

// execute runs the agent for one task, moving it to working and then to
// completed or failed.
func (s *Server) execute(ctx context.Context, task *Task, msg session.Message) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.updateTask(task.ID, func(t *Task) { t.Status = newStatus(TaskWorking, nil) })

	res, err := s.runAgent(ctx, msg)
	if err != nil {
		s.logger.Error("task failed", "task", task.ID, "error", err)
		reply := textMessage("agent", task.ContextID, task.ID, uuid.NewString(), err.Error())
		s.updateTask(task.ID, func(t *Task) { t.Status = newStatus(TaskFailed, &reply) })
		return
	}

	reply := textMessage("agent", task.ContextID, task.ID, uuid.NewString(), res.Text)
	s.updateTask(task.ID, func(t *Task) {
		t.Status = newStatus(TaskCompleted, &reply)
		t.History = append(t.History, reply)
	})
}

func (s *Server) runAgent(ctx context.Context, msg session.Message) (*agent.Result, error) {
	// Invocations left over from an exhausted earlier task are settled first.
	if len(s.agent.Pending()) > 0 {
		if _, err := s.agent.RunUntilDone(ctx, s.maxRuns); err != nil {
			return nil, err
		}
	}
	if err := s.agent.AddInput(msg); err != nil {
		return nil, err
	}
	return s.agent.RunUntilDone(ctx, s.maxRuns)
}

func (s *Server) handleTasksGet(w http.ResponseWriter, req *jsonRPCRequest) {
	var params taskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		s.writeRPCError(w, req.ID, codeInvalidParams, "Invalid params")
		return
	}
	task := s.snapshot(params.ID)
	if task == nil {
		s.writeRPCError(w, req.ID, codeTaskNotFound, "Task not found")
		return
	}
	s.writeRPCResult(w, req.ID, task)
}

func (s *Server) putTask(t *Task) {
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
}

func (s *Server) updateTask(id string, fn func(*Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		fn(t)
	}
}

func (s *Server) snapshot(id string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	cp.History = append([]Message(nil), t.History...)
	return &cp
}

// userMessage converts an incoming A2A message into a user turn. Text parts
// are joined; image file parts carrying bytes become image parts.
func userMessage(m Message) (session.Message, error) {
	var texts []string
	var parts []session.Part
	for _, p := range m.Parts {
		switch p.Kind {
		case "text":
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		case "file":
			if p.File == nil || p.File.Bytes == "" {
				return session.Message{}, errors.New("file parts must carry bytes")
			}
			if !strings.HasPrefix(p.File.MimeType, "image/") {
				return session.Message{}, errors.New("unsupported file type %q", p.File.MimeType)
			}
			data, err := base64.StdEncoding.DecodeString(p.File.Bytes)
			if err != nil {
				return session.Message{}, errors.Wrapf(err, "invalid file bytes")
			}
			parts = append(parts, session.ImagePart(p.File.MimeType, data))
		}
	}
	if len(texts) == 0 && len(parts) == 0 {
		return session.Message{}, errors.New("no text content in message")
	}
	return session.NewUserMessage(strings.Join(texts, "\n"), parts...), nil
}

func (s *Server) writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.writeRPCError(w, id, -32603, "Internal error")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, s.logger, http.StatusOK, jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}
