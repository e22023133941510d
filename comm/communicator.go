// Package comm implements the out-of-band control channel between a
// mammutfs mount and the mammutfsd daemon: a single-connection client
// of a unix-domain stream socket carrying queued JSON event lines out
// and newline-delimited commands in.
package comm

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

const maxBackoff = time.Second

// CommandFunc handles one inbound command. data is the part after the
// first colon, possibly empty. The returned string is a raw JSON
// fragment used as the "response" field of the reply.
type CommandFunc func(data string) (string, error)

type command struct {
	fn   CommandFunc
	help string
}

type event struct {
	Op     string `json:"op"`
	Module string `json:"module,omitempty"`
	Path   string `json:"path,omitempty"`
	Path2  string `json:"path2,omitempty"`
}

type hello struct {
	Op         string `json:"op"`
	User       string `json:"user"`
	Mountpoint string `json:"mountpoint"`
}

// Communicator owns the daemon socket and its worker. Events are
// queued and survive reconnects; commands are dispatched from the
// worker, so command handlers never race each other.
type Communicator struct {
	cfg   *config.Config
	queue *Queue

	mu       sync.RWMutex
	commands map[string]command

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New builds a communicator and registers the built-in commands. The
// worker is not started yet; tests drive the queue directly.
func New(cfg *config.Config) *Communicator {
	c := &Communicator{
		cfg:      cfg,
		queue:    NewQueue(),
		commands: map[string]command{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.RegisterCommand("HELP", "list all registered commands", func(string) (string, error) {
		c.mu.RLock()
		names := make([]string, 0, len(c.commands))
		for name := range c.commands {
			names = append(names, name)
		}
		c.mu.RUnlock()
		sort.Strings(names)
		b, _ := json.Marshal(names)
		return `{"commands":` + string(b) + `}`, nil
	})
	c.RegisterCommand("USER", "the owning username", func(string) (string, error) {
		return strconv.Quote(cfg.Username), nil
	})
	c.RegisterCommand("CONFIG", "CONFIG:<key> - read a config value", func(data string) (string, error) {
		v, err := cfg.Get(data)
		if err != nil {
			return "", err
		}
		return `{"value":` + strconv.Quote(v) + `}`, nil
	})
	c.RegisterCommand("SETCONFIG", "SETCONFIG:<key>=<value> - will only work for live keys", func(data string) (string, error) {
		i := strings.IndexByte(data, '=')
		if i < 0 {
			return "", errors.New("invalid config, expecting key=value")
		}
		if err := cfg.Set(data[:i], data[i+1:]); err != nil {
			return "", err
		}
		return "", nil
	})
	return c
}

// RegisterCommand adds a named command; the name is matched case
// insensitively.
func (c *Communicator) RegisterCommand(name, help string, fn CommandFunc) {
	if help == "" {
		help = name
	}
	c.mu.Lock()
	c.commands[strings.ToUpper(name)] = command{fn: fn, help: help}
	c.mu.Unlock()
}

// Send enqueues one line for the daemon, terminating it with a newline
// when the caller did not. Never blocks; the queue drops on overflow.
func (c *Communicator) Send(line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	c.queue.Push(line)
}

// SendJSON marshals v and enqueues it as one line.
func (c *Communicator) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		mammut.Errorf("comm", "marshal event: %v", err)
		return
	}
	c.Send(string(b))
}

// Notify enqueues a filesystem event message.
func (c *Communicator) Notify(op, module, path, path2 string) {
	c.SendJSON(event{Op: op, Module: module, Path: path, Path2: path2})
}

// Queue exposes the event queue; tests inspect it in place of a
// daemon.
func (c *Communicator) Queue() *Queue {
	return c.queue
}

// Start launches the worker.
func (c *Communicator) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Close stops the worker and closes the socket.
func (c *Communicator) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		mammut.Warnf("comm", "worker did not stop in time")
	}
}

func (c *Communicator) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Communicator) run() {
	defer close(c.done)
	backoff := time.Millisecond
	initial := true
	for !c.stopped() {
		conn, err := c.connect()
		if err != nil {
			// A daemon that is not running yet is normal; only the
			// first failure is worth a line.
			if initial || !errors.Is(err, os.ErrNotExist) {
				mammut.Warnf("comm", "connect: %v", err)
			}
			initial = false
			select {
			case <-c.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		initial = false
		backoff = time.Millisecond
		c.serve(conn)
	}
}

// connect dials the daemon socket and sends the hello line.
func (c *Communicator) connect() (net.Conn, error) {
	socket, err := c.cfg.Get("daemon_socket")
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, err
	}
	b, _ := json.Marshal(hello{Op: "hello", User: c.cfg.Username, Mountpoint: c.cfg.Mountpoint})
	if _, err := conn.Write(append(b, '\n')); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// serve pumps one connection until it breaks or the communicator
// stops. Undelivered events stay queued for the next connection.
func (c *Communicator) serve(conn net.Conn) {
	lines := make(chan string, 1)
	go func() {
		defer close(lines)
		r := bufio.NewReaderSize(conn, 1024)
		for {
			line, err := r.ReadString('\n')
			if line = strings.TrimRight(line, "\r\n"); line != "" {
				select {
				case lines <- line:
				case <-c.stop:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		for range lines {
		}
	}()
	for {
		select {
		case <-c.stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.execute(line)
		case <-c.queue.Wake():
			for {
				msg, ok := c.queue.Pop()
				if !ok {
					break
				}
				if _, err := io.WriteString(conn, msg); err != nil {
					mammut.Warnf("comm", "send: %v", err)
					c.queue.pushFront(msg)
					return
				}
			}
		}
	}
}

// execute parses COMMAND[:DATA], runs the handler and queues the
// reply.
func (c *Communicator) execute(line string) {
	cmd, data := line, ""
	if i := strings.IndexByte(line, ':'); i >= 0 {
		cmd, data = line[:i], line[i+1:]
	}
	cmd = strings.ToUpper(strings.TrimSpace(cmd))
	if cmd == "" {
		return
	}
	mammut.Infof("comm", "received command: %s", cmd)
	c.mu.RLock()
	entry, ok := c.commands[cmd]
	c.mu.RUnlock()
	if !ok {
		mammut.Warnf("comm", "command not registered: %q", cmd)
		c.Send(`{"state":"error","error":"unknown command"}`)
		return
	}
	resp, err := entry.fn(data)
	if err != nil {
		if resp == "" {
			resp = strconv.Quote(err.Error())
		}
		c.Send(fmt.Sprintf(`{"state":"error","cmd":%q,"response":%s}`, cmd, resp))
		return
	}
	if resp == "" {
		resp = `""`
	}
	c.Send(`{"state":"success","response":` + resp + `}`)
}
