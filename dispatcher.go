package hydradash

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const connectionFailedMsg = "Connection failed"

// SendCommand submits cmd to the node and, once the node has accepted it,
// refreshes the node's state. A node that is missing or not connected is
// never contacted. The command counts as sent even if the follow-up refresh
// fails; that failure is only recorded on the node.
func (d *Dashboard) SendCommand(ctx context.Context, id string, cmd ClientInput) (err error) {
	if err := cmd.Validate(); err != nil {
		return err
	}

	ctx, span := spanTrace(ctx, "SendCommand", trace.WithAttributes(attribute.String("node", id), attribute.String("tag", string(cmd.Tag))))
	defer span.End()

	outcome := "success"
	defer func() {
		commandsTotalMetric.WithLabelValues(string(cmd.Tag), outcome).Add(1)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	n, ok := d.reg.get(id)
	if !ok || !n.isConnected() {
		outcome = "not-connected"
		if ok {
			n.setError(ErrNotConnected.Error())
		}
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	end := n.begin()
	defer end()
	ctx, done := n.bind(ctx)
	defer done()
	n.setError("")

	if err := n.client.SendCommand(ctx, cmd); err != nil {
		outcome = "error"
		if ctx.Err() != nil {
			return err
		}
		if isConnectionFailure(err) {
			n.setConnected(false, err.Error())
			d.reg.updateConnectedMetric()
		} else {
			n.setError(err.Error())
		}
		goLogger.Infow("command rejected", "node", id, "tag", cmd.Tag, "err", err)
		return err
	}
	goLogger.Debugw("command accepted", "node", id, "tag", cmd.Tag)

	if err := refresh(ctx, n, d.clock); err != nil {
		goLogger.Infow("refresh after command failed", "node", id, "tag", cmd.Tag, "err", err)
		d.reg.updateConnectedMetric()
	}
	return nil
}

// TestConnection checks that the node answers its health endpoint and
// records the result as the node's connected flag.
func (d *Dashboard) TestConnection(ctx context.Context, id string) (err error) {
	n, ok := d.reg.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	ctx, span := spanTrace(ctx, "TestConnection", trace.WithAttributes(attribute.String("node", id)))
	defer span.End()

	end := n.begin()
	defer end()
	ctx, done := n.bind(ctx)
	defer done()
	n.setError("")

	err = n.client.TestConnection(ctx)
	if err != nil && ctx.Err() != nil {
		connectionTestsTotalMetric.WithLabelValues("cancelled").Add(1)
		return err
	}
	if err != nil {
		connectionTestsTotalMetric.WithLabelValues("failure").Add(1)
		msg := err.Error()
		if msg == "" {
			msg = connectionFailedMsg
		}
		n.setConnected(false, msg)
		span.SetStatus(codes.Error, msg)
	} else {
		connectionTestsTotalMetric.WithLabelValues("success").Add(1)
		n.setConnected(true, "")
	}
	d.reg.updateConnectedMetric()
	goLogger.Debugw("connection test", "node", id, "connected", err == nil, "err", err)
	return err
}

// FetchState refreshes the node's state on demand. It does not contact
// a node that is not connected.
func (d *Dashboard) FetchState(ctx context.Context, id string) (NodeState, error) {
	n, ok := d.reg.get(id)
	if !ok {
		return NodeState{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if !n.isConnected() {
		return NodeState{}, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	ctx, span := spanTrace(ctx, "FetchState", trace.WithAttributes(attribute.String("node", id)))
	defer span.End()

	end := n.begin()
	defer end()
	ctx, done := n.bind(ctx)
	defer done()

	if err := refresh(ctx, n, d.clock); err != nil {
		span.SetStatus(codes.Error, err.Error())
		d.reg.updateConnectedMetric()
		return NodeState{}, err
	}
	return n.entry().State, nil
}

// refresh fetches the node's state and stores it. Any failure to fetch
// marks the node disconnected, unless it was the caller who gave up or the
// node was removed meanwhile. ctx should be bound to n.
func refresh(ctx context.Context, n *node, clk clock.Clock) error {
	st, err := n.client.FetchState(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		n.setConnected(false, err.Error())
		return err
	}
	if n.removed() {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, n.id)
	}
	n.setState(st, clk.Now())
	return nil
}
