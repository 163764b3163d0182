// Package storage holds the filesystem mailbox store.
//
// Every user owns one directory under the store root and every message is
// one immutable file inside it, named
//
//	<unix-nanoseconds, 19 digits>_<sender>_<blake3 prefix>.eml
//
// so that directory order is delivery order. Messages are addressed by
// their 1-based position in that order at the time of the call. There is no
// index: every operation lists the directory again, so a position seen in
// one LIST may point at a different message, or nothing, once any session
// has deleted from the same mailbox.
//
// All operations on a store are serialized by a single store-wide mutex.
package storage

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"lukechampine.com/blake3"

	"github.com/twmailer/twmailer/consts"
	"github.com/twmailer/twmailer/helpers"
	"github.com/twmailer/twmailer/logger"
	"github.com/twmailer/twmailer/pkg/metrics"
)

const messageExt = ".eml"

// Summary describes a message as shown by LIST.
type Summary struct {
	Position int
	Subject  string
	File     string
}

type MailStore struct {
	root  string
	mu    sync.Mutex
	now   func() time.Time
	lstat func(string) (os.FileInfo, error)
}

// New opens (creating if needed) a store rooted at root.
func New(root string) (*MailStore, error) {
	if root == "" {
		return nil, fmt.Errorf("mail store root must not be empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("%w: failed to create mail root %s: %v", consts.ErrIO, root, err)
	}
	return &MailStore{root: root, now: time.Now, lstat: os.Lstat}, nil
}

func (s *MailStore) Root() string {
	return s.root
}

func (s *MailStore) lock() func() {
	start := time.Now()
	s.mu.Lock()
	metrics.MailstoreLockWait.Observe(time.Since(start).Seconds())
	return s.mu.Unlock
}

func observe(op string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "error"
	}
	metrics.MailstoreOperations.WithLabelValues(op, status).Inc()
	metrics.MailstoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *MailStore) mailboxDir(user string) (string, error) {
	if err := helpers.ValidateUsername(user); err != nil {
		return "", err
	}
	return filepath.Join(s.root, user), nil
}

// enumerate returns the message file names of a mailbox in position order.
// A mailbox that does not exist is empty.
func enumerate(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to list %s: %v", consts.ErrIO, dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, messageExt) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func messageFileName(ts time.Time, sender string, content []byte) string {
	sum := blake3.Sum256(content)
	return fmt.Sprintf("%019d_%s_%s%s", ts.UnixNano(), helpers.FilenameComponent(sender), hex.EncodeToString(sum[:6]), messageExt)
}

// Append stores msg in the receiver's mailbox, creating the mailbox if it
// does not exist yet, and returns the new file name. A zero msg.Date is set
// to the current time.
func (s *MailStore) Append(msg *Message) (id string, err error) {
	defer observe("append", time.Now(), &err)

	dir, err := s.mailboxDir(msg.Receiver)
	if err != nil {
		return "", err
	}
	if utf8.RuneCountInString(msg.Subject) > consts.MaxSubjectLength {
		return "", fmt.Errorf("%w: subject longer than %d characters", consts.ErrProtocol, consts.MaxSubjectLength)
	}

	defer s.lock()()

	ts := s.now()
	if msg.Date.IsZero() {
		msg.Date = ts
	}
	content, err := msg.encode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", consts.ErrIO, err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: failed to create mailbox: %v", consts.ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, ".append-*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create temporary file: %v", consts.ErrIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: failed to write message: %v", consts.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: failed to sync message: %v", consts.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: failed to close message: %v", consts.ErrIO, err)
	}

	// Two deliveries in the same nanosecond with identical content would
	// collide; bump the timestamp until the name is free.
	name := messageFileName(ts, msg.Sender, content)
	for {
		_, err := s.lstat(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: failed to check %s: %v", consts.ErrIO, name, err)
		}
		ts = ts.Add(time.Nanosecond)
		name = messageFileName(ts, msg.Sender, content)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("%w: failed to store message: %v", consts.ErrIO, err)
	}
	return name, nil
}

// List returns the subjects of a mailbox in position order.
func (s *MailStore) List(user string) (out []Summary, err error) {
	defer observe("list", time.Now(), &err)

	dir, err := s.mailboxDir(user)
	if err != nil {
		return nil, err
	}

	defer s.lock()()

	names, err := enumerate(dir)
	if err != nil {
		return nil, err
	}

	out = make([]Summary, 0, len(names))
	for i, name := range names {
		out = append(out, Summary{
			Position: i + 1,
			Subject:  readSubject(filepath.Join(dir, name)),
			File:     name,
		})
	}
	return out, nil
}

// readSubject returns an empty subject for unreadable files so that one
// damaged message does not shift or hide the others.
func readSubject(path string) string {
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("Mailstore: cannot open message", "path", path, "error", err)
		return ""
	}
	defer f.Close()

	h, err := readHeader(bufio.NewReader(f))
	if err != nil {
		logger.Warn("Mailstore: cannot parse message header", "path", path, "error", err)
		return ""
	}
	return subjectOf(h)
}

// Read returns the message at position (1-based).
func (s *MailStore) Read(user string, position int) (msg *Message, err error) {
	defer observe("read", time.Now(), &err)

	dir, err := s.mailboxDir(user)
	if err != nil {
		return nil, err
	}

	defer s.lock()()

	name, err := locate(dir, position)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("%w: message %d: %v", consts.ErrNotFound, position, err)
	}
	defer f.Close()

	msg, err = decodeMessage(f)
	if err != nil {
		return nil, fmt.Errorf("%w: message %d: %v", consts.ErrIO, position, err)
	}
	return msg, nil
}

// Delete removes the message at position (1-based).
func (s *MailStore) Delete(user string, position int) (err error) {
	defer observe("delete", time.Now(), &err)

	dir, err := s.mailboxDir(user)
	if err != nil {
		return err
	}

	defer s.lock()()

	name, err := locate(dir, position)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("%w: message %d: %v", consts.ErrNotFound, position, err)
	}
	return nil
}

func locate(dir string, position int) (string, error) {
	names, err := enumerate(dir)
	if err != nil {
		return "", err
	}
	if position < 1 || position > len(names) {
		return "", fmt.Errorf("%w: message %d (mailbox has %d)", consts.ErrNotFound, position, len(names))
	}
	return names[position-1], nil
}
