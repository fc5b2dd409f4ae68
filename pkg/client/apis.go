package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/config"
	"github.com/charlie0129/headcal/pkg/events"
	"github.com/charlie0129/headcal/pkg/machine"
	"github.com/charlie0129/headcal/pkg/workflow"
)

func getJSON[T any](c *Client, path, what string) (*T, error) {
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s", what)
	}
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func sendJSON[T any](c *Client, method, path string, payload any, what string) (*T, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ret, err := c.Send(method, path, string(b))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to %s", what)
	}
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal response to %s", what)
	}
	return &v, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	return getJSON[config.RawFileConfig](c, "/config", "config")
}

func (c *Client) GetVersion() (string, error) {
	v, err := getJSON[string](c, "/version", "version")
	if err != nil {
		return "", err
	}
	return *v, nil
}

func (c *Client) GetTopology() (*machine.Topology, error) {
	return getJSON[machine.Topology](c, "/topology", "machine topology")
}

func (c *Client) GetWorkflow() (*workflow.Status, error) {
	return getJSON[workflow.Status](c, "/workflow", "workflow status")
}

// ===== Calibration APIs =====

func (c *Client) GetCalibrationStatus() (*calibration.Status, error) {
	return getJSON[calibration.Status](c, "/calibration/status", "calibration status")
}

func (c *Client) StartCameraCalibration(req calibration.StartCameraRequest) (*calibration.Status, error) {
	return sendJSON[calibration.Status](c, http.MethodPost, "/calibration/camera", req, "start camera calibration")
}

func (c *Client) SetFiducial(req calibration.StartFiducialRequest) (*calibration.Status, error) {
	return sendJSON[calibration.Status](c, http.MethodPost, "/calibration/fiducial", req, "set the fiducial")
}

func (c *Client) StartOffsetCalibration(req calibration.StartOffsetRequest) (*calibration.Status, error) {
	return sendJSON[calibration.Status](c, http.MethodPost, "/calibration/offset", req, "start head offset calibration")
}

func (c *Client) StartBacklashCalibration(req calibration.StartBacklashRequest) (*calibration.Status, error) {
	return sendJSON[calibration.Status](c, http.MethodPost, "/calibration/backlash", req, "start backlash calibration")
}

func (c *Client) CancelCalibration() (string, error) {
	return c.Post("/calibration/cancel", "")
}

// ===== Schedule APIs =====

func (c *Client) GetSchedule() (*calibration.ScheduleResponse, error) {
	return getJSON[calibration.ScheduleResponse](c, "/schedule", "schedule")
}

// Schedule sets the backlash verification cron expression. An empty
// expression disables it.
func (c *Client) Schedule(cronExpr string) (*calibration.ScheduleResponse, error) {
	return sendJSON[calibration.ScheduleResponse](c, http.MethodPut, "/schedule", cronExpr, "set the schedule")
}

func (c *Client) PostponeSchedule(d time.Duration) (string, error) {
	b, _ := json.Marshal(d.String())
	return c.Put("/schedule/postpone", string(b))
}

func (c *Client) SkipSchedule() (string, error) {
	return c.Put("/schedule/skip", "")
}

// ===== Events =====

// FollowEvents streams daemon events over the websocket endpoint and calls fn
// for each one until ctx is done, fn returns false, or the daemon goes away.
func (c *Client) FollowEvents(ctx context.Context, fn func(events.Event) bool) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialUnix(ctx, c.socketPath)
		},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, "ws://unix/events/ws", nil)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to connect to the event stream")
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return pkgerrors.Wrapf(err, "event stream closed")
		}
		if !fn(ev) {
			return nil
		}
	}
}
