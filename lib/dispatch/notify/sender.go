// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// LogSender writes notifications to the log.
type LogSender struct {
	Logger logrus.FieldLogger
}

func (s LogSender) Send(ctx context.Context, msgs []Message) (int, error) {
	for _, msg := range msgs {
		s.Logger.WithFields(logrus.Fields{
			"NotificationID": msg.ID,
			"Subject":        msg.Subject,
			"Body":           msg.Body,
		}).Warn("admin notification")
	}
	return len(msgs), nil
}

// WebhookSender POSTs each notification as a JSON object.
type WebhookSender struct {
	URL    string
	client *retryablehttp.Client
}

// NewWebhookSender returns a sender that retries failed requests a
// few times before giving up until the next flush.
func NewWebhookSender(url string, logger logrus.FieldLogger) *WebhookSender {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = leveledLogger{logger}
	return &WebhookSender{URL: url, client: client}
}

func (s *WebhookSender) Send(ctx context.Context, msgs []Message) (int, error) {
	for i, msg := range msgs {
		buf, err := json.Marshal(msg)
		if err != nil {
			return i, err
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(buf))
		if err != nil {
			return i, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Notification-Id", msg.ID)
		resp, err := s.client.Do(req)
		if err != nil {
			return i, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return i, fmt.Errorf("webhook responded %s", resp.Status)
		}
	}
	return len(msgs), nil
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	logger := l.logger
	for i := 0; i+1 < len(kv); i += 2 {
		logger = logger.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
