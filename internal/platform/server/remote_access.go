package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wizardbeardstudio/paydesk/internal/platform/audit"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
)

// AdminPathPrefix marks operator endpoints; only trusted networks reach them.
const AdminPathPrefix = "/v1/admin"

// maxActivities bounds the in-memory access log; the audit sink keeps the full trail.
const maxActivities = 1024

type RemoteAccessActivity struct {
	Timestamp       string
	SourceIP        string
	SourcePort      string
	Destination     string
	DestinationPort string
	Path            string
	Method          string
	Allowed         bool
	Reason          string
}

type RemoteAccessGuard struct {
	Clock  clock.Clock
	Audit  audit.Sink
	Logger logrus.FieldLogger

	trusted []*net.IPNet
	proxies []*net.IPNet
	mu      sync.Mutex
	logs    []RemoteAccessActivity
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		out = append(out, ipnet)
	}
	return out, nil
}

func NewRemoteAccessGuard(clk clock.Clock, sink audit.Sink, cidrs []string) (*RemoteAccessGuard, error) {
	trusted, err := parseCIDRs(cidrs)
	if err != nil {
		return nil, err
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	return &RemoteAccessGuard{Clock: clk, Audit: sink, trusted: trusted}, nil
}

// TrustProxies sets the peers allowed to report the client address through
// X-Forwarded-For. Without any, the header is ignored.
func (g *RemoteAccessGuard) TrustProxies(cidrs []string) error {
	proxies, err := parseCIDRs(cidrs)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.proxies = proxies
	g.mu.Unlock()
	return nil
}

func (g *RemoteAccessGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

// sourceAddr returns the client address. X-Forwarded-For counts only when the
// peer is a trusted proxy; hops are walked right to left past other proxies.
func (g *RemoteAccessGuard) sourceAddr(r *http.Request) (string, string) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host, port = strings.TrimSpace(r.RemoteAddr), ""
	}
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff == "" || !g.isProxy(host) {
		return host, port
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if i == 0 || !g.isProxy(hop) {
			return hop, ""
		}
	}
	return host, port
}

func (g *RemoteAccessGuard) isProxy(ipStr string) bool {
	g.mu.Lock()
	proxies := g.proxies
	g.mu.Unlock()
	return contains(proxies, ipStr)
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	return contains(g.trusted, ipStr)
}

func contains(nets []*net.IPNet, ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) record(ctx context.Context, r *http.Request, sourceIP string, allowed bool, reason string) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, ""
	}
	_, sourcePort := g.sourceAddr(r)
	now := g.now()
	g.mu.Lock()
	g.logs = append(g.logs, RemoteAccessActivity{
		Timestamp:       now.Format(time.RFC3339Nano),
		SourceIP:        sourceIP,
		SourcePort:      sourcePort,
		Destination:     host,
		DestinationPort: port,
		Path:            r.URL.Path,
		Method:          r.Method,
		Allowed:         allowed,
		Reason:          reason,
	})
	if n := len(g.logs); n > maxActivities {
		g.logs = append(g.logs[:0], g.logs[n-maxActivities:]...)
	}
	g.mu.Unlock()

	if g.Audit == nil {
		return
	}
	res, action := audit.ResultSuccess, "remote_access_allowed"
	if !allowed {
		res, action = audit.ResultDenied, "remote_access_denied"
	}
	_, err = g.Audit.Append(ctx, audit.Event{
		AuditID:    "aud_" + uuid.NewString(),
		RecordedAt: now,
		ActorID:    sourceIP,
		ActorType:  "remote",
		Action:     action,
		Detail:     []byte(fmt.Sprintf(`{"method":%q,"path":%q}`, r.Method, r.URL.Path)),
		Result:     res,
		Reason:     reason,
	})
	if err != nil && g.Logger != nil {
		g.Logger.WithError(err).Warn("remote access audit append failed")
	}
}

func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteAccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, AdminPathPrefix) {
			next.ServeHTTP(w, r)
			return
		}
		sourceIP, _ := g.sourceAddr(r)
		if !g.isTrusted(sourceIP) {
			g.record(r.Context(), r, sourceIP, false, "source ip outside trusted network")
			writeJSON(w, http.StatusForbidden, errorView{Error: "remote access denied", Code: "permission_denied"})
			return
		}
		g.record(r.Context(), r, sourceIP, true, "")
		next.ServeHTTP(w, r)
	})
}
