// Copyright 2023 The emqx-go Authors
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

// Package admin exposes the management REST API: clients and sessions,
// subscriptions, retained messages, bans and publishing on behalf of the
// broker.
package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/turtacn/mqtt-postoffice/pkg/blacklist"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/message"
	"github.com/turtacn/mqtt-postoffice/pkg/retainer"
	"github.com/turtacn/mqtt-postoffice/pkg/session"
	"github.com/turtacn/mqtt-postoffice/pkg/topic"
)

// Payload encodings accepted by publish and used in retained listings.
const (
	EncodingPlain  = "plain"
	EncodingBase64 = "base64"
)

// Broker is the part of the broker the API manages.
type Broker interface {
	Sessions() *session.Registry
	Directory() *topic.Directory
	Retained() *retainer.Retainer
	Blacklist() *blacklist.Manager
	InternalPublish(ctx context.Context, msg message.Message) error
}

// APIResponse is the envelope of every response.
type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Meta    *Page  `json:"meta,omitempty"`
}

// Page describes one page of a list.
type Page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// Stats is returned by GET /api/v5/stats.
type Stats struct {
	Node          string            `json:"node"`
	Uptime        int64             `json:"uptime"`
	Connected     int               `json:"connected"`
	Parked        int               `json:"parked"`
	Subscriptions int               `json:"subscriptions"`
	Retained      int               `json:"retained"`
	Banned        int               `json:"banned"`
	Blocks        int64             `json:"blocks"`
	RecentBlocks  []blacklist.Block `json:"recent_blocks,omitempty"`
}

// SubscriptionInfo is one row of GET /api/v5/subscriptions.
type SubscriptionInfo struct {
	ClientID string `json:"clientid"`
	Topic    string `json:"topic"`
	QoS      byte   `json:"qos"`
}

// MessageInfo describes a retained message.
type MessageInfo struct {
	Topic    string    `json:"topic"`
	Payload  string    `json:"payload"`
	Encoding string    `json:"encoding"`
	QoS      byte      `json:"qos"`
	Origin   string    `json:"origin,omitempty"`
	Created  time.Time `json:"created"`
}

// PublishRequest is the body of POST /api/v5/publish.
type PublishRequest struct {
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Encoding string `json:"encoding,omitempty"`
	QoS      byte   `json:"qos"`
	Retain   bool   `json:"retain"`
}

// Options configures an APIServer.
type Options struct {
	Node   string
	Logger *slog.Logger
}

// APIServer serves the management API.
type APIServer struct {
	broker  Broker
	node    string
	started time.Time
	logger  *slog.Logger
}

// NewAPIServer creates an API server for b.
func NewAPIServer(b Broker, opts Options) *APIServer {
	return &APIServer{
		broker:  b,
		node:    opts.Node,
		started: time.Now(),
		logger:  logger.OrDefault(opts.Logger).With("component", "admin"),
	}
}

// RegisterRoutes registers the API on mux.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v5/stats", s.handleStats)

	mux.HandleFunc("GET /api/v5/clients", s.handleClients)
	mux.HandleFunc("GET /api/v5/clients/{clientid}", s.handleClient)
	mux.HandleFunc("DELETE /api/v5/clients/{clientid}", s.handleKick)
	mux.HandleFunc("DELETE /api/v5/sessions/{clientid}", s.handleExpire)

	mux.HandleFunc("GET /api/v5/subscriptions", s.handleSubscriptions)

	mux.HandleFunc("GET /api/v5/retained", s.handleRetainedList)
	mux.HandleFunc("GET /api/v5/retained/{topic...}", s.handleRetainedGet)
	mux.HandleFunc("DELETE /api/v5/retained/{topic...}", s.handleRetainedDelete)

	mux.HandleFunc("POST /api/v5/publish", s.handlePublish)

	mux.HandleFunc("GET /api/v5/banned", s.handleBannedList)
	mux.HandleFunc("POST /api/v5/banned", s.handleBannedAdd)
	mux.HandleFunc("DELETE /api/v5/banned/{id}", s.handleBannedRemove)
}

// Handler returns a mux carrying only the API routes.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *APIServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.broker.Sessions().Stats()
	bans := s.broker.Blacklist().Stats()
	banned := 0
	for _, n := range bans.Entries {
		banned += n
	}
	s.writeSuccess(w, Stats{
		Node:          s.node,
		Uptime:        int64(time.Since(s.started).Seconds()),
		Connected:     st.Connected,
		Parked:        st.Parked,
		Subscriptions: s.broker.Directory().Len(),
		Retained:      s.broker.Retained().Len(),
		Banned:        banned,
		Blocks:        bans.TotalBlocks,
		RecentBlocks:  bans.RecentBlocks,
	})
}

func (s *APIServer) handleClients(w http.ResponseWriter, r *http.Request) {
	onlyConnected := r.URL.Query().Get("connected") == "true"
	reg := s.broker.Sessions()
	infos := make([]session.Info, 0)
	for _, id := range reg.Sessions() {
		sess, ok := reg.Lookup(id)
		if !ok {
			continue
		}
		info := sess.Info()
		if onlyConnected && !info.Connected {
			continue
		}
		infos = append(infos, info)
	}
	writePageOf(s, w, r, infos)
}

func (s *APIServer) handleClient(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.broker.Sessions().Lookup(r.PathValue("clientid"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "client not found")
		return
	}
	s.writeSuccess(w, sess.Info())
}

func (s *APIServer) handleKick(w http.ResponseWriter, r *http.Request) {
	if !s.broker.Sessions().Kick(r.PathValue("clientid")) {
		s.writeError(w, http.StatusNotFound, "client not connected")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleExpire(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("clientid")
	reg := s.broker.Sessions()
	sess, ok := reg.Lookup(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.Connected() {
		s.writeError(w, http.StatusConflict, "session is connected; kick the client first")
		return
	}
	if !reg.Expire(id) {
		s.writeError(w, http.StatusConflict, "session changed state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	ids := s.broker.Sessions().Sessions()
	if id := r.URL.Query().Get("clientid"); id != "" {
		ids = []string{id}
	}
	subs := make([]SubscriptionInfo, 0)
	for _, id := range ids {
		for _, sub := range s.broker.Directory().Subscriptions(id) {
			subs = append(subs, SubscriptionInfo{ClientID: sub.ClientID, Topic: sub.Filter, QoS: sub.QoS})
		}
	}
	writePageOf(s, w, r, subs)
}

func messageInfo(m message.Message) MessageInfo {
	info := MessageInfo{Topic: m.Topic, QoS: m.QoS, Origin: m.Origin, Created: m.Created}
	if utf8.Valid(m.Payload) {
		info.Payload, info.Encoding = string(m.Payload), EncodingPlain
	} else {
		info.Payload, info.Encoding = base64.StdEncoding.EncodeToString(m.Payload), EncodingBase64
	}
	return info
}

func (s *APIServer) handleRetainedList(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = "#"
	}
	if err := topic.ValidateFilter(filter); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs := s.broker.Retained().Match(filter)
	infos := make([]MessageInfo, 0, len(msgs))
	for _, m := range msgs {
		infos = append(infos, messageInfo(m))
	}
	writePageOf(s, w, r, infos)
}

func (s *APIServer) handleRetainedGet(w http.ResponseWriter, r *http.Request) {
	m, ok := s.broker.Retained().Get(r.PathValue("topic"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no retained message")
		return
	}
	s.writeSuccess(w, messageInfo(m))
}

func (s *APIServer) handleRetainedDelete(w http.ResponseWriter, r *http.Request) {
	if !s.broker.Retained().Delete(r.PathValue("topic")) {
		s.writeError(w, http.StatusNotFound, "no retained message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	payload := []byte(req.Payload)
	switch req.Encoding {
	case "", EncodingPlain:
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid base64 payload: %v", err))
			return
		}
		payload = b
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown encoding %q", req.Encoding))
		return
	}
	if err := topic.ValidateName(req.Topic); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !message.ValidQoS(req.QoS) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid qos %d", req.QoS))
		return
	}
	if err := s.broker.InternalPublish(r.Context(), message.New(req.Topic, payload, req.QoS, req.Retain)); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeSuccess(w, map[string]string{"topic": req.Topic})
}

func (s *APIServer) handleBannedList(w http.ResponseWriter, r *http.Request) {
	writePageOf(s, w, r, s.broker.Blacklist().List(blacklist.Kind(r.URL.Query().Get("kind"))))
}

func (s *APIServer) handleBannedAdd(w http.ResponseWriter, r *http.Request) {
	var entry blacklist.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	id, err := s.broker.Blacklist().Add(entry)
	switch {
	case errors.Is(err, blacklist.ErrEntryAlreadyExists):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, _ := s.broker.Blacklist().Get(id)
	s.logger.Info("ban added", "id", id, "kind", stored.Kind)
	s.writeJSON(w, http.StatusCreated, APIResponse{Data: stored})
}

func (s *APIServer) handleBannedRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Blacklist().Remove(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, APIResponse{Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, APIResponse{Code: code, Message: msg})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", logger.Err(err))
	}
}

// writePageOf writes the page of items selected by the page and limit query
// parameters.
func writePageOf[T any](s *APIServer, w http.ResponseWriter, r *http.Request, items []T) {
	page, limit := pagination(r)
	total := len(items)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	out := items[start:end]
	s.writeJSON(w, http.StatusOK, APIResponse{
		Data: out,
		Meta: &Page{Page: page, Limit: limit, Count: len(out), Total: total},
	})
}

func pagination(r *http.Request) (page, limit int) {
	page, limit = 1, 20
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}
	return page, limit
}

// Serve exposes the API on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, s *APIServer) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info("admin api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
