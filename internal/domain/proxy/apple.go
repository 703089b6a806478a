// Package proxy forwards a copy of inbound Apple server notifications to a
// tenant-configured URL (spec §4.10), an optional enrichment feature for
// customers who already had their own Apple webhook endpoint before
// connecting to us. Forwarding is fire-and-forget: it never affects the
// provider-facing response or our own processing outcome.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/revback/core/internal/logging"
)

// LogStore records the outcome of a forward attempt against its originating
// WebhookLog row, without touching that row's processing status.
type LogStore interface {
	LogProxyForward(ctx context.Context, webhookLogID string, httpStatus int, errMsg string) error
}

// AppleForwarder forwards raw Apple notification bodies to a connection's
// originalNotificationUrl, guarding against SSRF the way an outbound proxy
// handling customer-supplied URLs must.
type AppleForwarder struct {
	store              LogStore
	client             *http.Client
	log                *logging.Logger
	allowPlaintextHTTP bool // test-only escape hatch; production always requires HTTPS
}

// NewAppleForwarder builds a forwarder. allowPlaintextHTTP should only be
// true in tests exercising the forward path against an httptest.Server.
func NewAppleForwarder(store LogStore, log *logging.Logger, allowPlaintextHTTP bool) *AppleForwarder {
	return &AppleForwarder{
		store:              store,
		client:             &http.Client{Timeout: 10 * time.Second},
		log:                log,
		allowPlaintextHTTP: allowPlaintextHTTP,
	}
}

// Forward POSTs raw to target and logs the outcome against webhookLogID. It
// is meant to be called in its own goroutine by the caller; it never
// returns an error to its caller, only logs one.
func (f *AppleForwarder) Forward(ctx context.Context, webhookLogID, target string, raw []byte, headers map[string]string) {
	if err := f.guard(target); err != nil {
		f.record(ctx, webhookLogID, 0, err.Error())
		return
	}

	fwdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fwdCtx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		f.record(ctx, webhookLogID, 0, err.Error())
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.WithError(err).WithFields(map[string]any{"target": target}).Warn("apple proxy forward failed")
		f.record(ctx, webhookLogID, 0, err.Error())
		return
	}
	defer resp.Body.Close()

	f.record(ctx, webhookLogID, resp.StatusCode, "")
}

func (f *AppleForwarder) record(ctx context.Context, webhookLogID string, status int, errMsg string) {
	if f.store == nil {
		return
	}
	if err := f.store.LogProxyForward(ctx, webhookLogID, status, errMsg); err != nil {
		f.log.WithError(err).Warn("apple proxy: failed to record forward outcome")
	}
}

// guard rejects destinations that aren't plain HTTPS or that resolve to a
// private, loopback, or link-local address, the minimum SSRF defense for a
// proxy whose destination is customer-supplied.
func (f *AppleForwarder) guard(target string) error {
	if target == "" {
		return fmt.Errorf("proxy: no forwarding target configured")
	}

	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("proxy: invalid target url: %w", err)
	}
	host := u.Hostname()

	if !f.allowPlaintextHTTP && u.Scheme != "https" {
		return fmt.Errorf("proxy: refusing non-HTTPS forwarding target")
	}

	if ips, err := net.LookupIP(host); err == nil {
		for _, ip := range ips {
			if isDisallowedIP(ip) {
				return fmt.Errorf("proxy: refusing forwarding target resolving to %s", ip)
			}
		}
	}

	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified()
}
