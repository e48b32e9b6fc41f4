package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"

	"github.com/refined-element/lightning-enable-mcp/internal/logger"
)

const unixSocketPath = "/tmp/lightning-enable.sock"
const windowsSocketPort = ":9742"

var commandID int
var osType = runtime.GOOS

func generateCommandID() int {
	commandID++
	return commandID
}

// NewServer starts the local command socket the CLI talks to when a daemon
// is already running.
func NewServer() (*Server, error) {
	var listener net.Listener
	var err error

	if osType == "windows" {
		listener, err = net.Listen("tcp", windowsSocketPort)
	} else {
		if _, err := os.Stat(unixSocketPath); err == nil {
			err = os.Remove(unixSocketPath)
			if err != nil {
				return nil, fmt.Errorf("failed to remove existing socket file: %v", err)
			}
		}
		listener, err = net.Listen("unix", unixSocketPath)
	}

	if err != nil {
		return nil, err
	}

	server := &Server{
		listener:    listener,
		commands:    make(chan Command),
		connections: make(map[int]net.Conn),
		subscribers: make(map[net.Conn]bool),
	}

	go server.accept()

	return server, nil
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.removeSubscriber(conn)
		conn.Close()
	}()

	buffer := make([]byte, 65536)

	for {
		n, err := conn.Read(buffer)
		if err != nil {
			if err != io.EOF {
				logger.Warn("Failed to read from IPC connection:", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(buffer[:n], &cmd); err != nil {
			logger.Warn("Failed to parse IPC command:", err)
			continue
		}
		if cmd.ID <= 0 {
			continue
		}

		// Subscribing keeps this connection open for broadcast notifications
		// instead of the usual one-command, one-response exchange. Mixing the
		// two on one connection would interleave notifications into a
		// command's response stream.
		if cmd.Command == "subscribe" {
			s.addSubscriber(conn)
			continue
		}

		s.mutex.Lock()
		s.connections[cmd.ID] = conn
		s.mutex.Unlock()

		s.commands <- cmd
	}
}

// Commands yields incoming CLI commands. The daemon owns the dispatch loop.
func (s *Server) Commands() <-chan Command {
	return s.commands
}

// SendResponse answers a command and closes its connection.
func (s *Server) SendResponse(id int, response Response) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	conn, exists := s.connections[id]
	if !exists {
		logger.Warn("Connection for command ID", id, "not found")
		return
	}

	responseData, err := json.Marshal(response)
	if err != nil {
		logger.Error("Error marshaling IPC response:", err)
		return
	}

	if _, err := conn.Write(responseData); err != nil {
		logger.Warn("Error writing IPC response:", err)
		return
	}

	conn.Close()
	delete(s.connections, id)
}

// BroadcastPayment notifies every subscribed client of a completed payment.
func (s *Server) BroadcastPayment(update PaymentNotification) {
	update.Type = "payment"
	data, err := json.Marshal(update)
	if err != nil {
		logger.Warn("Failed to marshal payment notification:", err)
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for conn := range s.subscribers {
		if _, err := conn.Write(data); err != nil {
			delete(s.subscribers, conn)
		}
	}
}

func (s *Server) addSubscriber(conn net.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.subscribers[conn] = true
}

func (s *Server) removeSubscriber(conn net.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.subscribers, conn)
}

func (s *Server) Close() error {
	return s.listener.Close()
}

// NewClient dials the daemon's command socket.
func NewClient() (*Client, error) {
	var conn net.Conn
	var err error

	if osType == "windows" {
		conn, err = net.Dial("tcp", windowsSocketPort)
	} else {
		conn, err = net.Dial("unix", unixSocketPath)
	}

	if err != nil {
		return nil, err
	}

	return &Client{conn: conn}, nil
}

// SendCommand issues one command and waits for its response.
func (c *Client) SendCommand(command string, args []string) (interface{}, error) {
	cmd := Command{
		ID:      generateCommandID(),
		Command: command,
		Args:    args,
	}

	cmdData, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("error marshaling command: %v", err)
	}

	if _, err := c.conn.Write(cmdData); err != nil {
		return nil, fmt.Errorf("error writing command to connection: %v", err)
	}

	responseData, err := io.ReadAll(c.conn)
	if err != nil {
		return nil, fmt.Errorf("error reading response from connection: %v", err)
	}

	var response Response
	if err := json.Unmarshal(responseData, &response); err != nil {
		return nil, fmt.Errorf("error unmarshaling response: %v", err)
	}

	if response.Error != nil {
		return nil, response.Error
	}

	return response.Result, nil
}

// Subscribe enrolls this connection for payment notifications. The connection
// stays open; read them back with ReadNotification.
func (c *Client) Subscribe() error {
	cmd := Command{
		ID:      generateCommandID(),
		Command: "subscribe",
	}

	cmdData, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("error marshaling command: %v", err)
	}
	if _, err := c.conn.Write(cmdData); err != nil {
		return fmt.Errorf("error writing command to connection: %v", err)
	}
	return nil
}

// ReadNotification blocks until the daemon broadcasts the next payment.
func (c *Client) ReadNotification() (PaymentNotification, error) {
	buffer := make([]byte, 65536)
	n, err := c.conn.Read(buffer)
	if err != nil {
		return PaymentNotification{}, err
	}

	var note PaymentNotification
	if err := json.Unmarshal(buffer[:n], &note); err != nil {
		return PaymentNotification{}, fmt.Errorf("error unmarshaling notification: %v", err)
	}
	return note, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
