// Package httpapi is the inbound HTTP surface: per-vendor webhook receivers,
// health, and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/dynamics"
	"github.com/ledgersync/ledgersync/internal/connectors/netsuite"
	"github.com/ledgersync/ledgersync/internal/connectors/quickbooks"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/connectors/xero"
	"github.com/ledgersync/ledgersync/internal/metrics"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

// maxWebhookBody caps inbound payload reads.
const maxWebhookBody = 1 << 20 // 1 MiB

// signatureHeaders maps each vendor kind to the request header carrying its
// webhook signature. SAP sends none.
var signatureHeaders = map[string]string{
	credstore.KindDynamics:   dynamics.SignatureHeader,
	credstore.KindNetSuite:   netsuite.SignatureHeader,
	credstore.KindQuickBooks: quickbooks.SignatureHeader,
	credstore.KindSAPB1:      "",
	credstore.KindXero:       xero.SignatureHeader,
}

// ConnectorBuilder constructs a ready connector from a stored connection.
type ConnectorBuilder interface {
	BuildConnector(conn credstore.Connection) (registry.Connector, error)
}

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	e       *echo.Echo
	creds   credstore.Store
	builder ConnectorBuilder
	resync  *webhook.Queue
	logger  *slog.Logger
}

// NewEchoServer creates the webhook receiver.
func NewEchoServer(creds credstore.Store, builder ConnectorBuilder, resync *webhook.Queue, logger *slog.Logger) *EchoServer {
	if logger == nil {
		logger = slog.Default()
	}
	es := &EchoServer{
		e:       echo.New(),
		creds:   creds,
		builder: builder,
		resync:  resync,
		logger:  logger,
	}
	es.e.HideBanner = true
	es.registerRoutes()
	return es
}

func (es *EchoServer) registerRoutes() {
	es.e.GET("/healthz", es.handleHealthz)
	es.e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	es.e.POST("/webhooks/:vendor", es.handleWebhook)
}

// Start starts the HTTP server.
func (es *EchoServer) Start(addr string) error {
	return es.e.Start(addr)
}

// StartServer starts the HTTP server with a custom http.Server.
func (es *EchoServer) StartServer(server *http.Server) error {
	return es.e.StartServer(server)
}

// Shutdown stops the HTTP server gracefully.
func (es *EchoServer) Shutdown(ctx context.Context) error {
	return es.e.Shutdown(ctx)
}

// Handler exposes the routing tree. Used by tests.
func (es *EchoServer) Handler() http.Handler {
	return es.e
}

func (es *EchoServer) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook verifies one inbound notification against each configured
// connection of the vendor. Different accounts carry different secrets, so
// the first connection whose secret validates the signature wins; its
// recognized events are queued for the next sync run, never fetched inline.
func (es *EchoServer) handleWebhook(c echo.Context) error {
	vendor := strings.ToLower(strings.TrimSpace(c.Param("vendor")))
	header, ok := signatureHeaders[vendor]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown vendor"})
	}

	rawBody, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}
	var signature string
	if header != "" {
		signature = c.Request().Header.Get(header)
	}

	conns, err := es.creds.List(c.Request().Context())
	if err != nil {
		es.logger.Error("webhook connection listing failed", "vendor", vendor, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
	}

	var lastErr error
	for _, conn := range conns {
		if conn.Vendor != vendor {
			continue
		}
		connector, err := es.builder.BuildConnector(conn)
		if err != nil {
			es.logger.Warn("webhook connector build failed", "vendor", vendor, "connection", conn.ID, "err", err)
			continue
		}
		result, err := connector.HandleWebhook(rawBody, signature)
		if err != nil {
			lastErr = err
			continue
		}
		if !result.Accepted {
			continue
		}

		account := connector.Name()
		for _, req := range result.Resync {
			es.resync.Mark(vendor, account, req)
		}
		metrics.WebhookVerificationsTotal.WithLabelValues(vendor, "success").Inc()
		es.logger.Info("webhook accepted", "vendor", vendor, "account", account, "resync", len(result.Resync))
		return c.JSON(http.StatusOK, map[string]any{"accepted": true, "resync": len(result.Resync)})
	}

	metrics.WebhookVerificationsTotal.WithLabelValues(vendor, "failure").Inc()
	status := http.StatusUnauthorized
	if lastErr != nil && !errors.Is(lastErr, registry.ErrSignature) {
		status = http.StatusBadRequest
	}
	es.logger.Warn("webhook rejected", "vendor", vendor, "err", lastErr)
	return c.JSON(status, map[string]any{"accepted": false})
}
