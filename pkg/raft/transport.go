package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transport moves messages between servers. Send is fire-and-forget:
// delivery failures are reported to the local log, never to the caller,
// since the consensus protocol tolerates lost messages. Join contacts a
// remote server to request cluster membership and returns a leader
// address hint when the remote server is not the leader.
type Transport interface {
	Start(s *Server) error
	Stop()

	Send(recipientId ServerId, address ServerAddress, sourceId ServerId, msg RPCMsg)

	Join(address ServerAddress, id ServerId, selfAddress ServerAddress) (bool, ServerAddress, error)
}

type JoinRequest struct {
	Id      ServerId      `json:"id"`
	Address ServerAddress `json:"address"`
}

type JoinResponse struct {
	Error         string        `json:"error,omitempty"`
	LeaderAddress ServerAddress `json:"leaderAddress,omitempty"`
}

// HTTPTransport exchanges messages over plain HTTP: each message is
// POSTed to the recipient as a JSON document, with the sender identified
// by the X-Raft-Source-Id header field.
type HTTPTransport struct {
	localAddress ServerAddress

	server *Server

	httpServer *http.Server
	httpClient *http.Client
}

func NewHTTPTransport(localAddress ServerAddress) *HTTPTransport {
	return &HTTPTransport{
		localAddress: localAddress,

		httpClient: newHTTPClient(),
	}
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

func (t *HTTPTransport) Start(s *Server) error {
	t.server = s

	listener, err := net.Listen("tcp", string(t.localAddress))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", t.localAddress, err)
	}

	t.httpServer = &http.Server{
		Addr:              string(t.localAddress),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t,
	}

	go func() {
		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				s.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		if err := t.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.Log.Error("server error: %v", err)
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.httpServer.Shutdown(ctx)
}

func (t *HTTPTransport) Send(recipientId ServerId, address ServerAddress, sourceId ServerId, msg RPCMsg) {
	msgData, err := EncodeRPCMsg(msg)
	if err != nil {
		t.server.Log.Error("cannot encode message: %v", err)
		return
	}

	uri := url.URL{
		Scheme: "http",
		Host:   string(address),
		Path:   "/raft",
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msgData))
	if err != nil {
		t.server.Log.Error("cannot create http request: %v", err)
		return
	}

	req.Header.Set("X-Raft-Source-Id", string(sourceId))
	req.Header.Set("X-Raft-Source-Address", string(t.server.PublicAddress))

	// Send the request asynchronously to avoid blocking the server
	go t.sendMsgRequest(address, msg, req)
}

func (t *HTTPTransport) sendMsgRequest(address ServerAddress, msg RPCMsg, req *http.Request) {
	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			t.server.Log.Error("cannot send request: panic: %s\n%s", msg, trace)
		}
	}()

	// Send the request and wait for the response
	res, err := t.httpClient.Do(req)
	if err != nil {
		t.server.Log.Error("cannot send %v to %s: %v", msg, address, err)
		return
	}
	defer res.Body.Close()

	// Check the response status
	if res.StatusCode != 204 {
		var msg string

		body, err := io.ReadAll(res.Body)
		if err == nil {
			msg = string(body)

			if idx := strings.IndexAny(msg, "\r\n"); idx > 0 {
				msg = msg[:idx]
			}

			if msg != "" {
				msg = ": " + msg
			}
		} else {
			t.server.Log.Error("cannot read response from %s: %v",
				address, err)
		}

		t.server.Log.Error("http request to %s failed with status %d%s",
			address, res.StatusCode, msg)
	}
}

func (t *HTTPTransport) Join(address ServerAddress, id ServerId, selfAddress ServerAddress) (bool, ServerAddress, error) {
	reqData, err := json.Marshal(&JoinRequest{Id: id, Address: selfAddress})
	if err != nil {
		return false, "", fmt.Errorf("cannot encode join request: %w", err)
	}

	uri := url.URL{
		Scheme: "http",
		Host:   string(address),
		Path:   "/join",
	}

	res, err := t.httpClient.Post(uri.String(), "application/json",
		bytes.NewReader(reqData))
	if err != nil {
		return false, "", err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case 204:
		return true, "", nil

	case 421:
		var joinRes JoinResponse
		if err := json.NewDecoder(res.Body).Decode(&joinRes); err != nil {
			return false, "", fmt.Errorf("cannot decode join response: %w",
				err)
		}

		return false, joinRes.LeaderAddress, nil

	default:
		body, _ := io.ReadAll(res.Body)

		return false, "", fmt.Errorf("request failed with status %d: %s",
			res.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.Method == "POST" && req.URL.Path == "/raft":
		t.handleMsg(w, req)

	case req.Method == "POST" && req.URL.Path == "/join":
		t.handleJoin(w, req)

	case req.Method == "GET" && req.URL.Path == "/status":
		t.handleStatus(w, req)

	default:
		t.replyText(w, 404, "unhandled request")
	}
}

func (t *HTTPTransport) handleMsg(w http.ResponseWriter, req *http.Request) {
	// Obtain the identifier of the sender of the message
	sourceId := req.Header.Get("X-Raft-Source-Id")
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty X-Raft-Source-Id header field")
		return
	}

	// Read and decode the message
	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeRPCMsg(data)
	if err != nil {
		t.replyError(w, 400, "invalid message: %v", err)
		return
	}

	// Send the response
	t.replyEmpty(w, 204)

	// Hand the message to the main goroutine
	t.server.DeliverMsg(IncomingRPCMsg{
		SourceId:      ServerId(sourceId),
		SourceAddress: ServerAddress(req.Header.Get("X-Raft-Source-Address")),
		Msg:           msg,
	})
}

func (t *HTTPTransport) handleJoin(w http.ResponseWriter, req *http.Request) {
	var joinReq JoinRequest
	if err := json.NewDecoder(req.Body).Decode(&joinReq); err != nil {
		t.replyError(w, 400, "invalid join request: %v", err)
		return
	}

	if joinReq.Id == "" || joinReq.Address == "" {
		t.replyError(w, 400, "missing or empty server id or address")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()

	err := t.server.HandleJoin(ctx, joinReq.Id, joinReq.Address)
	if err == nil {
		t.replyEmpty(w, 204)
		return
	}

	var notLeaderErr *NotLeaderError
	if errors.As(err, &notLeaderErr) {
		t.replyJSON(w, 421, &JoinResponse{
			Error:         "notLeader",
			LeaderAddress: notLeaderErr.LeaderAddress,
		})

		return
	}

	t.replyError(w, 500, "cannot join cluster: %v", err)
}

func (t *HTTPTransport) handleStatus(w http.ResponseWriter, req *http.Request) {
	status := t.server.Status()
	t.replyJSON(w, 200, &status)
}

func (t *HTTPTransport) replyEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

func (t *HTTPTransport) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (t *HTTPTransport) replyJSON(w http.ResponseWriter, status int, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		t.replyError(w, 500, "cannot encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.server.Log.Error(format, args...)
	t.replyText(w, status, format, args...)
}
