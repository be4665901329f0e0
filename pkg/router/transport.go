package router

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/security"
	"github.com/cuemby/agentmesh/pkg/types"
	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"
)

// Tier moves already wire-encoded frames to and from one target. Router
// starts each delivery on the weakest of source.preferred,
// target.preferred and priority.MaxTier() (tiers are numbered from
// fastest to weakest) and falls down the ladder on failure.
type Tier interface {
	Kind() types.Tier
	Send(ctx context.Context, target string, frame []byte) error
	Recv(ctx context.Context, target string) ([]byte, error)
	Close() error
}

const frameLengthPrefix = 4

func writeFramed(w io.Writer, frame []byte) error {
	var lenBuf [frameLengthPrefix]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [frameLengthPrefix]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frame := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// --- Tier 0: shared-memory ring ----------------------------------------

// ringCapacity is the per-target shared-memory ring size. The region is
// allocated via an anonymous mmap so the same length-prefixed-framing and
// atomic-index discipline used for true cross-process shared memory
// applies even though, on a single-node runtime, both ends live in this
// process.
const ringCapacity = 1 << 20 // 1MiB

type memRing struct {
	buf  []byte
	head uint64
	tail uint64
	mu   sync.Mutex
	wake chan struct{}
}

func newMemRing() (*memRing, error) {
	buf, err := unix.Mmap(-1, 0, ringCapacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap shared-memory ring: %w", err)
	}
	return &memRing{buf: buf, wake: make(chan struct{}, 1)}, nil
}

func (r *memRing) free() uint64 {
	return ringCapacity - (r.head - r.tail)
}

func (r *memRing) write(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	needed := uint64(frameLengthPrefix + len(frame))
	if needed > r.free() {
		return fmt.Errorf("shared-memory ring exhausted: %w", coreerr.ErrQueueFull)
	}

	var lenBuf [frameLengthPrefix]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	r.writeBytes(lenBuf[:])
	r.writeBytes(frame)

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *memRing) writeBytes(p []byte) {
	for i := 0; i < len(p); i++ {
		r.buf[(r.head+uint64(i))%ringCapacity] = p[i]
	}
	r.head += uint64(len(p))
}

func (r *memRing) readBytes(n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.tail+uint64(i))%ringCapacity]
	}
	r.tail += uint64(n)
	return out
}

func (r *memRing) read(ctx context.Context) ([]byte, error) {
	for {
		r.mu.Lock()
		if r.head != r.tail {
			lenBuf := r.readBytes(frameLengthPrefix)
			n := binary.BigEndian.Uint32(lenBuf)
			frame := r.readBytes(int(n))
			r.mu.Unlock()
			return frame, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.wake:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (r *memRing) close() error {
	return unix.Munmap(r.buf)
}

// SharedMemoryTier is the fastest, lowest-latency tier: a bounded ring
// buffer per target, backed by anonymous mmap'd memory.
type SharedMemoryTier struct {
	mu    sync.Mutex
	rings map[string]*memRing
}

// NewSharedMemoryTier creates an empty shared-memory tier.
func NewSharedMemoryTier() *SharedMemoryTier {
	return &SharedMemoryTier{rings: make(map[string]*memRing)}
}

func (t *SharedMemoryTier) Kind() types.Tier { return types.TierSharedMemory }

func (t *SharedMemoryTier) ringFor(target string) (*memRing, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ring, ok := t.rings[target]
	if ok {
		return ring, nil
	}
	ring, err := newMemRing()
	if err != nil {
		return nil, err
	}
	t.rings[target] = ring
	return ring, nil
}

func (t *SharedMemoryTier) Send(ctx context.Context, target string, frame []byte) error {
	ring, err := t.ringFor(target)
	if err != nil {
		return err
	}
	return ring.write(frame)
}

func (t *SharedMemoryTier) Recv(ctx context.Context, target string) ([]byte, error) {
	ring, err := t.ringFor(target)
	if err != nil {
		return nil, err
	}
	return ring.read(ctx)
}

func (t *SharedMemoryTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, ring := range t.rings {
		if err := ring.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- Tier 1: async I/O ring-class ---------------------------------------

// asyncPipe is one target's non-blocking pipe pair, drained by an epoll
// event loop goroutine into a buffered channel so Recv never blocks on
// the syscall itself.
type asyncPipe struct {
	writeFd   int
	readFd    int
	writeFile *os.File
	frames    chan []byte
	errs      chan error
	stopCh    chan struct{}
}

// AsyncIOTier approximates a kernel async-I/O-ring transport using
// non-blocking pipes multiplexed through epoll, in the same unix-syscall
// style as a true io_uring-backed queue runner, without depending on
// io_uring itself.
type AsyncIOTier struct {
	mu    sync.Mutex
	pipes map[string]*asyncPipe
	epfd  int
}

// NewAsyncIOTier opens the shared epoll instance backing every target's
// non-blocking pipe.
func NewAsyncIOTier() (*AsyncIOTier, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &AsyncIOTier{pipes: make(map[string]*asyncPipe), epfd: epfd}, nil
}

func (t *AsyncIOTier) Kind() types.Tier { return types.TierAsyncIO }

func (t *AsyncIOTier) pipeFor(target string) (*asyncPipe, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pipes[target]; ok {
		return p, nil
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	p := &asyncPipe{
		writeFd:   fds[0],
		readFd:    fds[1],
		writeFile: os.NewFile(uintptr(fds[0]), "async-io-tier-write"),
		frames:    make(chan []byte, 256),
		errs:      make(chan error, 1),
		stopCh:    make(chan struct{}),
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fds[1])}
	if err := unix.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, fds[1], &event); err != nil {
		return nil, fmt.Errorf("epoll_ctl add: %w", err)
	}

	t.pipes[target] = p
	go p.pump(t.epfd)
	return p, nil
}

func (p *asyncPipe) pump(epfd int) {
	events := make([]unix.EpollEvent, 1)
	conn := os.NewFile(uintptr(p.readFd), "async-io-tier")
	defer conn.Close()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		n, err := unix.EpollWait(epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case p.errs <- err:
			default:
			}
			return
		}
		if n == 0 {
			continue
		}

		frame, err := readFramed(conn)
		if err != nil {
			if err == io.EOF {
				continue
			}
			select {
			case p.errs <- err:
			default:
			}
			continue
		}
		p.frames <- frame
	}
}

func (t *AsyncIOTier) Send(ctx context.Context, target string, frame []byte) error {
	p, err := t.pipeFor(target)
	if err != nil {
		return err
	}
	return writeFramed(p.writeFile, frame)
}

func (t *AsyncIOTier) Recv(ctx context.Context, target string) ([]byte, error) {
	p, err := t.pipeFor(target)
	if err != nil {
		return nil, err
	}
	select {
	case frame := <-p.frames:
		return frame, nil
	case err := <-p.errs:
		return nil, fmt.Errorf("async-io tier: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *AsyncIOTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.pipes {
		close(p.stopCh)
		p.writeFile.Close()
	}
	return unix.Close(t.epfd)
}

// --- Tier 2: stream socket -----------------------------------------------

// StreamSocketTier delivers frames over an in-process net.Conn pair per
// target, optionally upgraded to mTLS when a CertAuthority is supplied.
type StreamSocketTier struct {
	mu    sync.Mutex
	conns map[string]*streamConn
	ca    *security.CertAuthority
}

type streamConn struct {
	client net.Conn
	server net.Conn
}

// NewStreamSocketTier creates a stream-socket tier. ca may be nil, in
// which case connections are plain; otherwise every target's pair is
// upgraded to mTLS using agent certificates issued by ca.
func NewStreamSocketTier(ca *security.CertAuthority) *StreamSocketTier {
	return &StreamSocketTier{conns: make(map[string]*streamConn), ca: ca}
}

func (t *StreamSocketTier) Kind() types.Tier { return types.TierStreamSocket }

func (t *StreamSocketTier) connFor(target string) (*streamConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[target]; ok {
		return c, nil
	}

	client, server := net.Pipe()
	c := &streamConn{client: client, server: server}

	if t.ca != nil && t.ca.IsInitialized() {
		cert, err := t.ca.IssueAgentCertificate(target, "stream-socket", []string{target}, nil)
		if err != nil {
			return nil, fmt.Errorf("issue agent certificate for %q: %w", target, err)
		}
		rootCert, err := x509.ParseCertificate(t.ca.GetRootCACert())
		if err != nil {
			return nil, fmt.Errorf("parse root CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AddCert(rootCert)

		serverTLS := tls.Server(server, &tls.Config{
			Certificates: []tls.Certificate{*cert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    pool,
		})
		clientTLS := tls.Client(client, &tls.Config{
			Certificates: []tls.Certificate{*cert},
			RootCAs:      pool,
			ServerName:   target,
		})
		c.client, c.server = clientTLS, serverTLS
	}

	t.conns[target] = c
	return c, nil
}

func (t *StreamSocketTier) Send(ctx context.Context, target string, frame []byte) error {
	c, err := t.connFor(target)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.client.SetWriteDeadline(deadline)
	}
	return writeFramed(c.client, frame)
}

func (t *StreamSocketTier) Recv(ctx context.Context, target string) ([]byte, error) {
	c, err := t.connFor(target)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.server.SetReadDeadline(deadline)
	}
	return readFramed(c.server)
}

func (t *StreamSocketTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, c := range t.conns {
		if err := c.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.server.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- Tier 3: mmap file queue ----------------------------------------------

// MmapFileTier appends length-prefixed frames to a per-target file and
// serves reads through golang.org/x/exp/mmap, re-opening the read-only
// mapping whenever the tracked offset catches up to the last known file
// size.
type MmapFileTier struct {
	mu      sync.Mutex
	dir     string
	writers map[string]*os.File
	offsets map[string]int64
}

// NewMmapFileTier creates a tier backed by per-target files under dir.
func NewMmapFileTier(dir string) (*MmapFileTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mmap file tier directory: %w", err)
	}
	return &MmapFileTier{
		dir:     dir,
		writers: make(map[string]*os.File),
		offsets: make(map[string]int64),
	}, nil
}

func (t *MmapFileTier) Kind() types.Tier { return types.TierMmapFile }

func (t *MmapFileTier) path(target string) string {
	return filepath.Join(t.dir, target+".queue")
}

func (t *MmapFileTier) writerFor(target string) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.writers[target]; ok {
		return f, nil
	}
	f, err := os.OpenFile(t.path(target), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mmap queue file for %q: %w", target, err)
	}
	t.writers[target] = f
	return f, nil
}

func (t *MmapFileTier) Send(ctx context.Context, target string, frame []byte) error {
	f, err := t.writerFor(target)
	if err != nil {
		return err
	}
	return writeFramed(f, frame)
}

func (t *MmapFileTier) Recv(ctx context.Context, target string) ([]byte, error) {
	path := t.path(target)

	for {
		reader, err := mmap.Open(path)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		t.mu.Lock()
		offset := t.offsets[target]
		t.mu.Unlock()

		if int64(reader.Len()) <= offset+frameLengthPrefix {
			reader.Close()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		lenBuf := make([]byte, frameLengthPrefix)
		if _, err := reader.ReadAt(lenBuf, offset); err != nil {
			reader.Close()
			return nil, fmt.Errorf("read mmap frame length for %q: %w", target, err)
		}
		n := binary.BigEndian.Uint32(lenBuf)

		if int64(reader.Len()) < offset+frameLengthPrefix+int64(n) {
			reader.Close()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		frame := make([]byte, n)
		if _, err := reader.ReadAt(frame, offset+frameLengthPrefix); err != nil {
			reader.Close()
			return nil, fmt.Errorf("read mmap frame body for %q: %w", target, err)
		}
		reader.Close()

		t.mu.Lock()
		t.offsets[target] = offset + frameLengthPrefix + int64(n)
		t.mu.Unlock()

		return frame, nil
	}
}

func (t *MmapFileTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, f := range t.writers {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- Tier 4: flat file -----------------------------------------------------

// FlatFileTier is the weakest, always-available tier: a plain append-only
// file per target, read with ordinary ReadAt rather than a memory
// mapping. It is the last resort when every faster tier has failed.
type FlatFileTier struct {
	mu      sync.Mutex
	dir     string
	writers map[string]*os.File
	readers map[string]*os.File
	offsets map[string]int64
}

// NewFlatFileTier creates a tier backed by per-target plain files under dir.
func NewFlatFileTier(dir string) (*FlatFileTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create flat file tier directory: %w", err)
	}
	return &FlatFileTier{
		dir:     dir,
		writers: make(map[string]*os.File),
		readers: make(map[string]*os.File),
		offsets: make(map[string]int64),
	}, nil
}

func (t *FlatFileTier) Kind() types.Tier { return types.TierFlatFile }

func (t *FlatFileTier) path(target string) string {
	return filepath.Join(t.dir, target+".flat")
}

func (t *FlatFileTier) writerFor(target string) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.writers[target]; ok {
		return f, nil
	}
	f, err := os.OpenFile(t.path(target), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flat file queue for %q: %w", target, err)
	}
	t.writers[target] = f
	return f, nil
}

func (t *FlatFileTier) readerFor(target string) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.readers[target]; ok {
		return f, nil
	}
	f, err := os.Open(t.path(target))
	if err != nil {
		return nil, fmt.Errorf("open flat file queue for reading %q: %w", target, err)
	}
	t.readers[target] = f
	return f, nil
}

func (t *FlatFileTier) Send(ctx context.Context, target string, frame []byte) error {
	f, err := t.writerFor(target)
	if err != nil {
		return err
	}
	return writeFramed(f, frame)
}

func (t *FlatFileTier) Recv(ctx context.Context, target string) ([]byte, error) {
	f, err := t.readerFor(target)
	if err != nil {
		return nil, err
	}

	for {
		t.mu.Lock()
		offset := t.offsets[target]
		t.mu.Unlock()

		lenBuf := make([]byte, frameLengthPrefix)
		if _, err := f.ReadAt(lenBuf, offset); err != nil {
			if err == io.EOF {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(50 * time.Millisecond):
					continue
				}
			}
			return nil, fmt.Errorf("read flat file frame length for %q: %w", target, err)
		}
		n := binary.BigEndian.Uint32(lenBuf)

		frame := make([]byte, n)
		if _, err := f.ReadAt(frame, offset+frameLengthPrefix); err != nil {
			if err == io.EOF {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(50 * time.Millisecond):
					continue
				}
			}
			return nil, fmt.Errorf("read flat file frame body for %q: %w", target, err)
		}

		t.mu.Lock()
		t.offsets[target] = offset + frameLengthPrefix + int64(n)
		t.mu.Unlock()

		return frame, nil
	}
}

func (t *FlatFileTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, f := range t.writers {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range t.readers {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
