// Package memstore is an in-memory calendar store for tests. Writable
// transactions are serialized and work on a private copy of the data that
// replaces the shared copy on commit.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/easy-alarm/internal/delivery"
	"github.com/djlord-it/easy-alarm/internal/domain"
)

var ErrTxDone = errors.New("memstore: transaction already finished")

const DefaultProvider = "default"

type accountKey struct{ cid, id int }

type eventKey struct {
	cid, account int
	id           string
}

type triggerKey struct{ cid, account, alarm int }

type state struct {
	accounts map[accountKey]domain.Account
	events   map[eventKey]domain.Event
	triggers map[triggerKey]domain.AlarmTrigger
}

func newState() *state {
	return &state{
		accounts: make(map[accountKey]domain.Account),
		events:   make(map[eventKey]domain.Event),
		triggers: make(map[triggerKey]domain.AlarmTrigger),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.events {
		c.events[k] = cloneEvent(v)
	}
	for k, v := range s.triggers {
		c.triggers[k] = v
	}
	return c
}

func cloneEvent(e domain.Event) domain.Event {
	alarms := make([]domain.Alarm, len(e.Alarms))
	copy(alarms, e.Alarms)
	e.Alarms = alarms
	return e
}

type fault struct {
	err   error
	times int
}

// Store implements the delivery collaborators and the due-trigger query.
type Store struct {
	txMu sync.Mutex // held by the open writable transaction

	mu        sync.Mutex
	data      *state
	providers map[string]bool
	faults    map[string]*fault
	calls     map[string]int

	acquired         int
	released         int
	releasedModified int
	commits          int
}

var (
	_ delivery.Database  = (*Store)(nil)
	_ delivery.Providers = (*Store)(nil)
)

func New() *Store {
	return &Store{
		data:      newState(),
		providers: map[string]bool{DefaultProvider: true},
		faults:    make(map[string]*fault),
		calls:     make(map[string]int),
	}
}

// FailOn makes the next times calls of op fail with err.
func (s *Store) FailOn(op string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, times: times}
}

func (s *Store) hit(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	f, ok := s.faults[op]
	if !ok || f.times == 0 {
		return nil
	}
	f.times--
	return f.err
}

// Calls returns how often op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Stats reports connection and commit bookkeeping.
type Stats struct {
	Acquired         int
	Released         int
	ReleasedModified int
	Commits          int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Acquired:         s.acquired,
		Released:         s.released,
		ReleasedModified: s.releasedModified,
		Commits:          s.commits,
	}
}

func (s *Store) PutAccount(a domain.Account) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.accounts[accountKey{a.ContextID, a.ID}] = a
}

func (s *Store) PutEvent(e domain.Event) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.events[eventKey{e.ContextID, e.AccountID, e.ID}] = cloneEvent(e)
}

func (s *Store) DeleteEvent(cid, account int, id string) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.events, eventKey{cid, account, id})
}

func (s *Store) PutTrigger(t domain.AlarmTrigger) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.triggers[triggerKey{t.ContextID, t.AccountID, t.AlarmID}] = t
}

// SaveEvents upserts events of one account.
func (s *Store) SaveEvents(_ context.Context, cid, account int, events []domain.Event) error {
	if err := s.hit("SaveEvents"); err != nil {
		return err
	}
	for _, e := range events {
		e.ContextID, e.AccountID = cid, account
		s.PutEvent(e)
	}
	return nil
}

func (s *Store) DeleteEvents(_ context.Context, cid, account int, ids []string) error {
	if err := s.hit("DeleteEvents"); err != nil {
		return err
	}
	for _, id := range ids {
		s.DeleteEvent(cid, account, id)
	}
	return nil
}

func (s *Store) Event(cid, account int, id string) (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.events[eventKey{cid, account, id}]
	return cloneEvent(e), ok
}

func (s *Store) Trigger(cid, account, alarmID int) (domain.AlarmTrigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.triggers[triggerKey{cid, account, alarmID}]
	return t, ok
}

// Triggers returns all rows ordered by trigger time.
func (s *Store) Triggers() []domain.AlarmTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AlarmTrigger, 0, len(s.data.triggers))
	for _, t := range s.data.triggers {
		out = append(out, t)
	}
	sortTriggers(out)
	return out
}

func (s *Store) DueTriggers(_ context.Context, q domain.DueQuery) ([]domain.AlarmTrigger, error) {
	if err := s.hit("DueTriggers"); err != nil {
		return nil, err
	}
	all := s.Triggers()
	var window, overdue []domain.AlarmTrigger
	for _, t := range all {
		switch {
		case q.InWindow(t):
			window = append(window, t)
		case q.Overdue(t):
			overdue = append(overdue, t)
		}
	}
	out := append(window, overdue...)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListTriggers reads committed rows of one account, optionally for one event.
func (s *Store) ListTriggers(_ context.Context, cid, account int, eventID string) ([]domain.AlarmTrigger, error) {
	var out []domain.AlarmTrigger
	for _, t := range s.Triggers() {
		if t.ContextID == cid && t.AccountID == account && (eventID == "" || t.EventID == eventID) {
			out = append(out, t)
		}
	}
	return out, nil
}

// DeleteOrphanedTriggers removes rows whose event no longer exists.
func (s *Store) DeleteOrphanedTriggers(_ context.Context, limit int) (int, error) {
	if err := s.hit("DeleteOrphanedTriggers"); err != nil {
		return 0, err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, t := range s.data.triggers {
		if limit > 0 && n >= limit {
			break
		}
		if _, ok := s.data.events[eventKey{t.ContextID, t.AccountID, t.EventID}]; !ok {
			delete(s.data.triggers, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error {
	return s.hit("Ping")
}

func (s *Store) AcquireWritable(_ context.Context, _ int) (delivery.Conn, error) {
	if err := s.hit("AcquireWritable"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
	return &Conn{store: s}, nil
}

func (s *Store) ReleaseWritable(_ delivery.Conn, modified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	if modified {
		s.releasedModified++
	}
}

func (s *Store) Access(account domain.Account, tx delivery.Tx) (delivery.CalendarAccess, error) {
	mt, ok := tx.(*Tx)
	if !ok {
		return nil, domain.ErrProviderUnavailable
	}
	s.mu.Lock()
	known := s.providers[account.Provider]
	s.mu.Unlock()
	if !known {
		return nil, domain.ErrProviderUnavailable
	}
	return &calendarAccess{tx: mt}, nil
}

type Conn struct {
	store *Store
}

func (c *Conn) BeginTx(_ context.Context, cid, account int) (delivery.Tx, error) {
	if err := c.store.hit("BeginTx"); err != nil {
		return nil, err
	}
	c.store.txMu.Lock()
	c.store.mu.Lock()
	work := c.store.data.clone()
	c.store.mu.Unlock()
	return &Tx{store: c.store, work: work, cid: cid, account: account}, nil
}

type Tx struct {
	store   *Store
	work    *state
	cid     int
	account int
	dirty   bool
	done    bool
}

func (t *Tx) check(op string) error {
	if t.done {
		return ErrTxDone
	}
	return t.store.hit(op)
}

func (t *Tx) GetAccount(context.Context) (domain.Account, error) {
	if err := t.check("GetAccount"); err != nil {
		return domain.Account{}, err
	}
	a, ok := t.work.accounts[accountKey{t.cid, t.account}]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return a, nil
}

func (t *Tx) GetTrigger(_ context.Context, alarmID int) (domain.AlarmTrigger, error) {
	if err := t.check("GetTrigger"); err != nil {
		return domain.AlarmTrigger{}, err
	}
	trig, ok := t.work.triggers[triggerKey{t.cid, t.account, alarmID}]
	if !ok {
		return domain.AlarmTrigger{}, domain.ErrTriggerNotFound
	}
	return trig, nil
}

func (t *Tx) ListTriggers(_ context.Context, eventIDs ...string) ([]domain.AlarmTrigger, error) {
	if err := t.check("ListTriggers"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		want[id] = true
	}
	var out []domain.AlarmTrigger
	for k, trig := range t.work.triggers {
		if k.cid == t.cid && k.account == t.account && want[trig.EventID] {
			out = append(out, trig)
		}
	}
	sortTriggers(out)
	return out, nil
}

func (t *Tx) DeleteTriggers(_ context.Context, eventIDs []string) (int, error) {
	if err := t.check("DeleteTriggers"); err != nil {
		return 0, err
	}
	want := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		want[id] = true
	}
	n := 0
	for k, trig := range t.work.triggers {
		if k.cid == t.cid && k.account == t.account && want[trig.EventID] {
			delete(t.work.triggers, k)
			n++
		}
	}
	if n > 0 {
		t.dirty = true
	}
	return n, nil
}

func (t *Tx) InsertTriggers(_ context.Context, triggers []domain.AlarmTrigger) error {
	if err := t.check("InsertTriggers"); err != nil {
		return err
	}
	for _, trig := range triggers {
		k := triggerKey{trig.ContextID, trig.AccountID, trig.AlarmID}
		if _, exists := t.work.triggers[k]; exists {
			return errors.New("memstore: duplicate trigger for alarm")
		}
		t.work.triggers[k] = trig
		t.dirty = true
	}
	return nil
}

func (t *Tx) ResetProcessed(_ context.Context, alarmID int, expected int64) (bool, error) {
	if err := t.check("ResetProcessed"); err != nil {
		return false, err
	}
	k := triggerKey{t.cid, t.account, alarmID}
	trig, ok := t.work.triggers[k]
	if !ok || trig.Processed != expected {
		return false, nil
	}
	trig.Processed = 0
	t.work.triggers[k] = trig
	t.dirty = true
	return true, nil
}

func (t *Tx) DiscardTrigger(_ context.Context, alarmID int, expected int64) (bool, error) {
	if err := t.check("DiscardTrigger"); err != nil {
		return false, err
	}
	k := triggerKey{t.cid, t.account, alarmID}
	trig, ok := t.work.triggers[k]
	if !ok || trig.Processed != expected {
		return false, nil
	}
	delete(t.work.triggers, k)
	t.dirty = true
	return true, nil
}

func (t *Tx) UpdateAlarms(_ context.Context, eventID string, alarms []domain.Alarm) error {
	if err := t.check("UpdateAlarms"); err != nil {
		return err
	}
	k := eventKey{t.cid, t.account, eventID}
	e, ok := t.work.events[k]
	if !ok {
		return domain.ErrEventNotFound
	}
	e.Alarms = make([]domain.Alarm, len(alarms))
	copy(e.Alarms, alarms)
	t.work.events[k] = e
	t.dirty = true
	return nil
}

func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	if err := t.store.hit("Commit"); err != nil {
		t.finish()
		return err
	}
	t.store.mu.Lock()
	t.store.data = t.work
	if t.dirty {
		t.store.commits++
	}
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *Tx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.store.hit("Rollback")
	t.finish()
	return nil
}

func (t *Tx) finish() {
	t.done = true
	t.store.txMu.Unlock()
}

type calendarAccess struct {
	tx *Tx
}

func (c *calendarAccess) LoadEvent(_ context.Context, eventID string) (domain.Event, error) {
	if err := c.tx.check("LoadEvent"); err != nil {
		return domain.Event{}, err
	}
	e, ok := c.tx.work.events[eventKey{c.tx.cid, c.tx.account, eventID}]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return cloneEvent(e), nil
}

func (c *calendarAccess) TouchEvent(_ context.Context, eventID string, at time.Time) error {
	if err := c.tx.check("TouchEvent"); err != nil {
		return err
	}
	k := eventKey{c.tx.cid, c.tx.account, eventID}
	e, ok := c.tx.work.events[k]
	if !ok {
		return domain.ErrEventNotFound
	}
	e.LastModified = at
	e.Sequence++
	c.tx.work.events[k] = e
	c.tx.dirty = true
	return nil
}

func sortTriggers(ts []domain.AlarmTrigger) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].TriggerTime.Equal(ts[j].TriggerTime) {
			return ts[i].TriggerTime.Before(ts[j].TriggerTime)
		}
		return ts[i].AlarmID < ts[j].AlarmID
	})
}
