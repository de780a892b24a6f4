// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package notify queues admin notifications and delivers them in
// rate-limited batches.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultDedupSize = 1000
	maxPending       = 1000
)

// A Message is one admin notification.
type Message struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Time    time.Time `json:"time"`
}

// A Sender delivers messages. Send returns the number of messages
// delivered before the first failure.
type Sender interface {
	Send(ctx context.Context, msgs []Message) (int, error)
}

// Queue collects notifications during a scheduler tick. Nothing is
// sent until Flush.
type Queue struct {
	logger    logrus.FieldLogger
	sender    Sender
	rateLimit time.Duration
	burst     int
	dedupTTL  time.Duration

	mtx       sync.Mutex
	pending   []Message
	seen      *lru.TwoQueueCache // subject => time.Time last enqueued
	lastFlush time.Time
	now       func() time.Time

	mQueued     prometheus.Counter
	mSuppressed prometheus.Counter
	mSent       prometheus.Counter
	mFailed     prometheus.Counter
	mPending    prometheus.GaugeFunc
}

// NewQueue returns a Queue that delivers through sender.
func NewQueue(logger logrus.FieldLogger, nc autotest.NotificationsConfig, sender Sender, reg *prometheus.Registry) (*Queue, error) {
	size := nc.DedupSize
	if size <= 0 {
		size = defaultDedupSize
	}
	seen, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		logger:    logger,
		sender:    sender,
		rateLimit: nc.RateLimit.Duration(),
		burst:     nc.Burst,
		dedupTTL:  nc.DedupTTL.Duration(),
		seen:      seen,
		now:       time.Now,
	}
	q.registerMetrics(reg)
	return q, nil
}

func (q *Queue) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotest",
			Subsystem: "notify",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	q.mQueued = counter("queued_total", "Number of notifications queued.")
	q.mSuppressed = counter("suppressed_total", "Number of notifications dropped as duplicates or overflow.")
	q.mSent = counter("sent_total", "Number of notifications delivered.")
	q.mFailed = counter("send_errors_total", "Number of failed delivery attempts.")
	q.mPending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "notify",
		Name:      "pending",
		Help:      "Number of notifications waiting for the next flush.",
	}, func() float64 { return float64(q.Pending()) })
	reg.MustRegister(q.mPending)
}

// Enqueue adds a notification to the queue. A message whose subject
// was already queued within the dedup window is dropped.
func (q *Queue) Enqueue(subject, body string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	now := q.now()
	logger := q.logger.WithField("Subject", subject)
	if last, ok := q.seen.Get(subject); ok && q.dedupTTL > 0 && now.Sub(last.(time.Time)) < q.dedupTTL {
		logger.Debug("suppressing duplicate notification")
		q.mSuppressed.Inc()
		return
	}
	q.seen.Add(subject, now)
	if len(q.pending) >= maxPending {
		logger.Warn("notification queue full, dropping oldest message")
		q.pending = q.pending[1:]
		q.mSuppressed.Inc()
	}
	logger.Info("queueing notification")
	q.pending = append(q.pending, Message{
		ID:      uuid.NewString(),
		Subject: subject,
		Body:    body,
		Time:    now,
	})
	q.mQueued.Inc()
}

// Pending returns the number of queued messages.
func (q *Queue) Pending() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.pending)
}

// Flush delivers up to Burst queued messages, unless the previous
// delivery was less than RateLimit ago. Undelivered messages stay
// queued for the next flush.
func (q *Queue) Flush(ctx context.Context) error {
	q.mtx.Lock()
	if len(q.pending) == 0 {
		q.mtx.Unlock()
		return nil
	}
	now := q.now()
	if !q.lastFlush.IsZero() && now.Sub(q.lastFlush) < q.rateLimit {
		q.mtx.Unlock()
		return nil
	}
	batch := q.pending
	if q.burst > 0 && len(batch) > q.burst {
		batch = batch[:q.burst]
	}
	batch = append([]Message(nil), batch...)
	q.lastFlush = now
	q.mtx.Unlock()

	sent, err := q.sender.Send(ctx, batch)

	q.mtx.Lock()
	defer q.mtx.Unlock()
	// Enqueue only appends, so the first len(batch) pending
	// messages are still the ones we tried to send.
	q.pending = q.pending[sent:]
	q.mSent.Add(float64(sent))
	if err != nil {
		q.mFailed.Inc()
		q.logger.WithError(err).WithField("Pending", len(q.pending)).Warn("error sending notifications")
		return err
	}
	return nil
}
