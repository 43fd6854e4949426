// Package redisstub runs a minimal in-process RESP server covering the Redis
// commands used by the token store, the thumbnail queue and the login rate
// limiter. Unknown commands (HELLO, CLIENT SETINFO) are answered with an error
// and the connection stays open, so a stock go-redis client falls back to
// RESP2 and keeps working.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*redisStream
	kv       map[string]*kvEntry
	seq      int64
	closed   chan struct{}
	conns    map[net.Conn]struct{}
}

type redisStream struct {
	entries []streamEntry
	groups  map[string]*groupState
}

type streamEntry struct {
	id     string
	fields []string
}

type groupState struct {
	nextIndex int
	pending   map[string]*pendingEntry
}

// pendingEntry mirrors a pending entries list item: each delivered entry is
// owned by one consumer until it is acknowledged or claimed.
type pendingEntry struct {
	index     int
	consumer  string
	delivered time.Time
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string]*redisStream),
		kv:       make(map[string]*kvEntry),
		closed:   make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	return s.listener.Close()
}

// TTL reports the remaining lifetime of key, or a negative duration when the
// key has no expiry or does not exist.
func (s *Server) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil || entry.expiry.IsZero() {
		return -1
	}
	return time.Until(entry.expiry)
}

// StreamLen reports the number of entries appended to stream.
func (s *Server) StreamLen(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	return len(strm.entries)
}

// Pending reports the number of delivered but unacknowledged entries.
func (s *Server) Pending(stream, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	return len(state.pending)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			werr = s.handleAuth(writer, args, &authenticated)
		case "SELECT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) handleAuth(writer *bufio.Writer, args []string, authenticated *bool) error {
	var candidate string
	switch len(args) {
	case 2:
		candidate = args[1]
	case 3:
		candidate = args[2]
	default:
		return writeError(writer, "ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password == "" || candidate == s.opts.Password {
		*authenticated = true
		return writeSimpleString(writer, "OK")
	}
	return writeError(writer, "WRONGPASS invalid username-password pair")
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "SET":
		return s.handleSet(writer, args)
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		s.mu.Lock()
		entry := s.lookupLocked(args[1])
		s.mu.Unlock()
		if entry == nil {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, entry.value)
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'")
		}
		removed := 0
		s.mu.Lock()
		for _, key := range args[1:] {
			if s.lookupLocked(key) != nil {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, int64(removed))
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[1])
		if err != nil {
			return writeError(writer, err.Error())
		}
		return writeInteger(writer, value)
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		return writeInteger(writer, s.expire(args[1], time.Duration(seconds)*time.Second))
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		return writeInteger(writer, s.ttlSeconds(args[1]))
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XGROUP":
		return s.handleXGroup(writer, args)
	case "XREADGROUP":
		return s.handleXReadGroup(writer, args)
	case "XAUTOCLAIM":
		return s.handleXAutoClaim(writer, args)
	case "XACK":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'xack'")
		}
		return writeInteger(writer, int64(s.ack(args[1], args[2], args[3:])))
	case "XLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'xlen'")
		}
		return writeInteger(writer, int64(s.StreamLen(args[1])))
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	var ttl time.Duration
	onlyIfAbsent := false
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(writer, "ERR invalid expire time in 'set' command")
			}
			unit := time.Second
			if strings.EqualFold(args[i], "PX") {
				unit = time.Millisecond
			}
			ttl = time.Duration(n) * unit
			i++
		case "NX":
			onlyIfAbsent = true
		case "KEEPTTL", "XX", "GET":
		default:
			return writeError(writer, "ERR syntax error")
		}
	}
	s.mu.Lock()
	if onlyIfAbsent && s.lookupLocked(key) != nil {
		s.mu.Unlock()
		return writeBulkNil(writer)
	}
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = entry
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

func (s *Server) lookupLocked(key string) *kvEntry {
	entry, ok := s.kv[key]
	if !ok {
		return nil
	}
	if entry.expired(time.Now()) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil {
		entry = &kvEntry{value: "0"}
		s.kv[key] = entry
	}
	current, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ERR value is not an integer or out of range")
	}
	current++
	entry.value = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttlSeconds(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	return int64(time.Until(entry.expiry).Round(time.Second) / time.Second)
}

func (s *Server) ensureStream(name string) *redisStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &redisStream{groups: make(map[string]*groupState)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	s.mu.Lock()
	id := args[2]
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	strm := s.ensureStream(args[1])
	strm.entries = append(strm.entries, streamEntry{id: id, fields: append([]string(nil), args[3:]...)})
	s.mu.Unlock()
	return writeBulkString(writer, id)
}

func (s *Server) handleXGroup(writer *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xgroup'")
	}
	if !strings.EqualFold(args[1], "CREATE") {
		return writeError(writer, "ERR only CREATE supported")
	}
	stream, group := args[2], args[3]
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	if _, exists := strm.groups[group]; exists {
		return writeError(writer, "BUSYGROUP Consumer Group name already exists")
	}
	state := &groupState{pending: make(map[string]*pendingEntry)}
	if args[4] == "$" {
		state.nextIndex = len(strm.entries)
	}
	strm.groups[group] = state
	return writeSimpleString(writer, "OK")
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) error {
	var group, consumer, stream, lastID string
	count := 1
	blockMs := -1
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			group, consumer = args[i+1], args[i+2]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid COUNT")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid BLOCK")
			}
			blockMs = v
			i++
		case "NOACK":
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			stream = args[i+1]
			lastID = args[i+2]
			i = len(args)
		}
	}
	if stream == "" || group == "" {
		return writeError(writer, "ERR missing stream or group")
	}
	if lastID != ">" {
		items, err := s.readPending(stream, group, consumer, lastID, count)
		if err != nil {
			return writeError(writer, err.Error())
		}
		return writeArray(writer, []interface{}{items})
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		items, err := s.readGroup(stream, group, consumer, count)
		if err != nil {
			return writeError(writer, err.Error())
		}
		if items != nil {
			return writeArray(writer, []interface{}{items})
		}
		if blockMs < 0 || time.Now().After(deadline) {
			return writeBulkNil(writer)
		}
		select {
		case <-s.closed:
			return writeBulkNil(writer)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) groupLocked(stream, group string) (*redisStream, *groupState, error) {
	strm, ok := s.streams[stream]
	if !ok {
		return nil, nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", stream, group)
	}
	state, ok := strm.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", stream, group)
	}
	return strm, state, nil
}

func (s *Server) readGroup(stream, group, consumer string, count int) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, state, err := s.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil, nil
	}
	end := start + count
	if count <= 0 || end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	for i := start; i < end; i++ {
		entry := strm.entries[i]
		state.pending[entry.id] = &pendingEntry{index: i, consumer: consumer, delivered: time.Now()}
		records = append(records, encodeEntry(entry))
	}
	state.nextIndex = end
	return []interface{}{stream, records}, nil
}

// readPending returns the entries pending for consumer with an id greater
// than after, the way XREADGROUP does for any id other than ">".
func (s *Server) readPending(stream, group, consumer, after string, count int) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, state, err := s.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	indexes := make([]int, 0, len(state.pending))
	for id, entry := range state.pending {
		if entry.consumer == consumer && compareIDs(id, after) > 0 {
			indexes = append(indexes, entry.index)
		}
	}
	sort.Ints(indexes)
	if count > 0 && len(indexes) > count {
		indexes = indexes[:count]
	}
	records := make([]interface{}, 0, len(indexes))
	for _, idx := range indexes {
		records = append(records, encodeEntry(strm.entries[idx]))
	}
	return []interface{}{stream, records}, nil
}

// handleXAutoClaim transfers pending entries idle for at least min-idle-time
// to the calling consumer. It replies in the Redis 7 shape: next cursor,
// claimed entries and deleted ids.
func (s *Server) handleXAutoClaim(writer *bufio.Writer, args []string) error {
	if len(args) < 6 {
		return writeError(writer, "ERR wrong number of arguments for 'xautoclaim'")
	}
	stream, group, consumer, start := args[1], args[2], args[3], args[5]
	minIdle, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil || minIdle < 0 {
		return writeError(writer, "ERR Invalid min-idle-time argument for XAUTOCLAIM")
	}
	count := 100
	if len(args) >= 8 && strings.EqualFold(args[6], "COUNT") {
		if count, err = strconv.Atoi(args[7]); err != nil || count <= 0 {
			return writeError(writer, "ERR COUNT must be > 0")
		}
	}

	s.mu.Lock()
	strm, state, err := s.groupLocked(stream, group)
	if err != nil {
		s.mu.Unlock()
		return writeError(writer, err.Error())
	}
	ids := make([]string, 0, len(state.pending))
	for id := range state.pending {
		if compareIDs(id, start) >= 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return compareIDs(ids[i], ids[j]) < 0 })

	now := time.Now()
	next := "0-0"
	claimed := make([]interface{}, 0)
	for i, id := range ids {
		if i == count {
			next = id
			break
		}
		entry := state.pending[id]
		if now.Sub(entry.delivered) < time.Duration(minIdle)*time.Millisecond {
			continue
		}
		entry.consumer = consumer
		entry.delivered = now
		claimed = append(claimed, encodeEntry(strm.entries[entry.index]))
	}
	s.mu.Unlock()
	return writeArray(writer, []interface{}{next, claimed, []interface{}{}})
}

// PendingFor reports the entries pending for one consumer of group.
func (s *Server) PendingFor(stream, group, consumer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, state, err := s.groupLocked(stream, group)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range state.pending {
		if entry.consumer == consumer {
			n++
		}
	}
	return n
}

// compareIDs orders stream ids of the form ms-seq. A missing sequence counts
// as zero.
func compareIDs(a, b string) int {
	parse := func(id string) (int64, int64) {
		msPart, seqPart, _ := strings.Cut(id, "-")
		ms, _ := strconv.ParseInt(msPart, 10, 64)
		seq, _ := strconv.ParseInt(seqPart, 10, 64)
		return ms, seq
	}
	ams, aseq := parse(a)
	bms, bseq := parse(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func encodeEntry(entry streamEntry) []interface{} {
	fields := make([]interface{}, 0, len(entry.fields))
	for _, field := range entry.fields {
		fields = append(fields, field)
	}
	return []interface{}{entry.id, fields}
}

func (s *Server) ack(stream, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, state, err := s.groupLocked(stream, group)
	if err != nil {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if err := writeBulkStringRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case string:
			err = writeBulkStringRaw(w, v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		case []interface{}:
			err = writeArrayRaw(w, v)
		default:
			err = writeBulkStringRaw(w, fmt.Sprint(v))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
