package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Containers created by this service carry these labels so a restarted
// server can find and remove leftovers from a crashed predecessor.
const (
	labelSandbox = "dev.loom.sandbox"
	labelSession = "dev.loom.session"
	labelRuntime = "dev.loom.runtime"
)

// workspaceDir is the working directory inside every session container.
// Docker creates it on start when the image does not ship one.
const workspaceDir = "/workspace"

// sessionEntry records the container backing a session and its last use.
type sessionEntry struct {
	containerID string
	lastAccess  time.Time
}

// sessionManager maps (session id, runtime) pairs to running containers.
// A session's container is created on first use and reused afterwards, so
// files written under /workspace survive between executions. Idle
// containers are removed after the TTL. All exported methods are safe for
// concurrent use.
type sessionManager struct {
	docker   *client.Client
	cfg      config
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newSessionManager(docker *client.Client, cfg config) *sessionManager {
	return &sessionManager{
		docker:   docker,
		cfg:      cfg,
		sessions: make(map[string]*sessionEntry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func sessionKey(sessionID, runtime string) string {
	return sessionID + "|" + runtime
}

func splitSessionKey(key string) (sessionID, runtime string, ok bool) {
	i := strings.LastIndexByte(key, '|')
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

func (m *sessionManager) imageFor(runtime string) string {
	if runtime == "node" {
		return m.cfg.nodeImage
	}
	return m.cfg.pythonImage
}

// start launches the background cleanup goroutine.
func (m *sessionManager) start(interval time.Duration) {
	go m.runCleanup(interval)
}

// acquire returns the container backing the session, creating and starting
// one if none exists yet, and refreshes the idle timestamp.
func (m *sessionManager) acquire(ctx context.Context, sessionID, runtime string) (string, error) {
	key := sessionKey(sessionID, runtime)

	m.mu.Lock()
	if entry, ok := m.sessions[key]; ok {
		entry.lastAccess = time.Now()
		id := entry.containerID
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	// Creation happens outside the lock since image pulls can take a
	// while. Concurrent requests for the same new session may race;
	// the loser's container is removed.
	id, err := m.createContainer(ctx, sessionID, runtime)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if entry, ok := m.sessions[key]; ok {
		entry.lastAccess = time.Now()
		winner := entry.containerID
		m.mu.Unlock()
		m.removeContainer(ctx, id)
		return winner, nil
	}
	m.sessions[key] = &sessionEntry{containerID: id, lastAccess: time.Now()}
	m.mu.Unlock()
	return id, nil
}

// invalidate drops the mapping for a container that turned out to be dead
// so the next acquire creates a fresh one.
func (m *sessionManager) invalidate(ctx context.Context, sessionID, runtime, containerID string) {
	key := sessionKey(sessionID, runtime)
	m.mu.Lock()
	if entry, ok := m.sessions[key]; ok && entry.containerID == containerID {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	m.removeContainer(ctx, containerID)
}

// drop removes every container belonging to a session, across runtimes.
func (m *sessionManager) drop(ctx context.Context, sessionID string) {
	var ids []string
	m.mu.Lock()
	for key, entry := range m.sessions {
		if id, _, ok := splitSessionKey(key); ok && id == sessionID {
			ids = append(ids, entry.containerID)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.removeContainer(ctx, id)
	}
}

// close stops the cleanup goroutine and removes all session containers.
func (m *sessionManager) close(ctx context.Context) {
	close(m.stopCh)
	<-m.doneCh

	var ids []string
	m.mu.Lock()
	for key, entry := range m.sessions {
		ids = append(ids, entry.containerID)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.removeContainer(ctx, id)
	}
}

// runCleanup runs the TTL eviction loop until stopCh is closed.
func (m *sessionManager) runCleanup(interval time.Duration) {
	defer close(m.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// evictExpired removes containers whose sessions exceeded the idle TTL.
// Candidates are collected under the lock, then removed outside it to
// avoid holding the lock across docker calls.
func (m *sessionManager) evictExpired(ctx context.Context) {
	m.mu.Lock()
	var expired []string
	for key, entry := range m.sessions {
		if time.Since(entry.lastAccess) > m.cfg.sessionTTL {
			expired = append(expired, entry.containerID)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.removeContainer(ctx, id)
	}
	if len(expired) > 0 {
		log.Printf("evicted %d idle session containers", len(expired))
	}
}

// sweepOrphans removes labeled containers left behind by a previous
// process. Called once at startup, before any sessions exist.
func (m *sessionManager) sweepOrphans(ctx context.Context) int {
	f := filters.NewArgs(filters.Arg("label", labelSandbox+"=1"))
	list, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		log.Printf("orphan sweep: list containers: %v", err)
		return 0
	}
	removed := 0
	for _, c := range list {
		if err := m.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Printf("orphan sweep: remove %s: %v", shortID(c.ID), err)
			continue
		}
		removed++
	}
	return removed
}

func (m *sessionManager) createContainer(ctx context.Context, sessionID, runtime string) (string, error) {
	img := m.imageFor(runtime)
	pids := m.cfg.pidsLimit

	conf := &container.Config{
		Image:      img,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workspaceDir,
		Labels: map[string]string{
			labelSandbox: "1",
			labelSession: sessionID,
			labelRuntime: runtime,
		},
	}
	host := &container.HostConfig{
		NetworkMode: container.NetworkMode(m.cfg.network),
		// Lets container code reach a callback server on the host.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		Resources: container.Resources{
			Memory:    m.cfg.memoryBytes,
			NanoCPUs:  m.cfg.nanoCPUs,
			PidsLimit: &pids,
		},
	}

	created, err := m.docker.ContainerCreate(ctx, conf, host, nil, nil, "")
	if client.IsErrNotFound(err) {
		// Image not present locally. Pull it and retry once.
		if perr := m.pullImage(ctx, img); perr != nil {
			return "", perr
		}
		created, err = m.docker.ContainerCreate(ctx, conf, host, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := m.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		m.removeContainer(ctx, created.ID)
		return "", fmt.Errorf("start container: %w", err)
	}
	log.Printf("session %s (%s): started container %s", sessionID, runtime, shortID(created.ID))
	return created.ID, nil
}

func (m *sessionManager) pullImage(ctx context.Context, ref string) error {
	log.Printf("pulling image %s", ref)
	rc, err := m.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (m *sessionManager) removeContainer(ctx context.Context, id string) {
	err := m.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		log.Printf("remove container %s: %v", shortID(id), err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
