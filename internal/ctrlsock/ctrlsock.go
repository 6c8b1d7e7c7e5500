/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Control socket: an HTTP server bound to a Unix domain socket,
 * exposing attach/detach/list to a separate CLI process
 */

package ctrlsock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nraggett/usbip-win2/internal/attach"
	"github.com/nraggett/usbip-win2/internal/usbip"
)

// attachRequest is the /attach request body
type attachRequest struct {
	Host    string `json:"host"`
	Service string `json:"service"`
	BusID   string `json:"busid"`
}

// attachResponse is the /attach response body
type attachResponse struct {
	Port int `json:"port"`
}

// detachRequest is the /detach request body. Port < 0 detaches every
// bound device, per original_source's "unplug all" semantics
type detachRequest struct {
	Port int `json:"port"`
}

// deviceView is one entry of the /list response
type deviceView struct {
	Port    int    `json:"port"`
	Host    string `json:"host"`
	Service string `json:"service"`
	BusID   string `json:"busid"`
	Speed   string `json:"speed"`
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
}

// errorResponse is returned with a non-2xx status code
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Server hosts the control socket's HTTP endpoints over a Unix socket
type Server struct {
	mgr    *attach.Manager
	ln     net.Listener
	srv    *http.Server
	path   string
}

// Start listens on path (removing any stale socket file left behind
// by a prior unclean shutdown) and begins serving in the background
func Start(path string, mgr *attach.Manager) (*Server, error) {
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctrlsock: listen: %w", err)
	}

	mux := http.NewServeMux()
	s := &Server{mgr: mgr, ln: ln, path: path}
	mux.HandleFunc("/attach", s.handleAttach)
	mux.HandleFunc("/detach", s.handleDetach)
	mux.HandleFunc("/list", s.handleList)

	s.srv = &http.Server{Handler: mux}

	go s.srv.Serve(ln)

	return s, nil
}

// Stop shuts the server down and removes the socket file
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.srv.Shutdown(ctx)
	os.Remove(s.path)
	return err
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, &usbip.Error{Kind: usbip.KindInternal, Op: "attach", Err: err})
		return
	}

	loc := usbip.DeviceLocation{Host: req.Host, Service: req.Service, BusID: req.BusID}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	port, err := s.mgr.Attach(ctx, loc)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, attachResponse{Port: port})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var req detachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, &usbip.Error{Kind: usbip.KindInternal, Op: "detach", Err: err})
		return
	}

	if req.Port < 0 {
		s.mgr.DetachAll()
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	if err := s.mgr.Detach(req.Port); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	devices := s.mgr.List()

	views := make([]deviceView, 0, len(devices))
	for port, dev := range devices {
		views = append(views, deviceView{
			Port:    port,
			Host:    dev.Location.Host,
			Service: dev.Location.Service,
			BusID:   dev.Location.BusID,
			Speed:   dev.Speed.String(),
			Vendor:  dev.Vendor,
			Product: dev.Product,
		})
	}

	writeJSON(w, http.StatusOK, views)
}

// statusFor maps a usbip.Error's Kind to an HTTP status code
func statusFor(err error) int {
	e, ok := err.(*usbip.Error)
	if !ok {
		return http.StatusInternalServerError
	}

	switch e.Kind {
	case usbip.KindAlreadyAttached:
		return http.StatusConflict
	case usbip.KindNoFreePort:
		return http.StatusInsufficientStorage
	case usbip.KindUnreachable, usbip.KindRefused:
		return http.StatusBadGateway
	case usbip.KindInvalidEndpoint:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	kind := "internal"
	if e, ok := err.(*usbip.Error); ok {
		kind = e.Kind.String()
	}
	writeJSON(w, status, errorResponse{Kind: kind, Message: err.Error()})
}

// Client dials an already-running daemon's control socket
type Client struct {
	http *http.Client
}

// Dial returns a Client talking to the control socket at path
func Dial(path string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		},
	}
}

// Attach asks the daemon to attach loc and returns the bound port
func (c *Client) Attach(ctx context.Context, loc usbip.DeviceLocation) (int, error) {
	var resp attachResponse
	err := c.post(ctx, "/attach", attachRequest{Host: loc.Host, Service: loc.Service, BusID: loc.BusID}, &resp)
	return resp.Port, err
}

// Detach asks the daemon to detach port. port < 0 detaches everything
func (c *Client) Detach(ctx context.Context, port int) error {
	return c.post(ctx, "/detach", detachRequest{Port: port}, &struct{}{})
}

// List returns every device the daemon currently has bound
func (c *Client) List(ctx context.Context) ([]deviceView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/list", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var views []deviceView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix"+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("ctrlsock: %s: %s", e.Kind, e.Message)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
