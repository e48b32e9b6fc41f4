package ipc

import (
	"net"
	"sync"
)

// Command is a CLI request to the running daemon.
type Command struct {
	ID      int      `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Response answers a Command.
type Response struct {
	ID     int         `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *Error      `json:"error,omitempty"`
}

// Error is a serializable command failure.
type Error struct {
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// PaymentNotification is broadcast to subscribed clients whenever the daemon
// completes a payment.
type PaymentNotification struct {
	Type       string  `json:"type"`
	URL        string  `json:"url"`
	AmountSats int64   `json:"amountSats"`
	AmountUSD  float64 `json:"amountUsd"`
	Wallet     string  `json:"wallet"`
}

type Server struct {
	listener    net.Listener
	commands    chan Command
	connections map[int]net.Conn
	subscribers map[net.Conn]bool
	mutex       sync.Mutex
}

type Client struct {
	conn net.Conn
}
