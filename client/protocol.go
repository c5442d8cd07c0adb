package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/htun/htun/queue"
	"github.com/htun/htun/wire"
)

// proto1 is protocol 1's single half-duplex channel task: idle/send/poll
// states sharing one socket, the direct translation of proxy_channel.
func (c *Client) proto1(ctx context.Context, sendq, recvq *queue.Queue, local, peer netip.Addr) error {
	sock, _, _, err := c.negotiateChannel1(ctx)
	if err != nil {
		return err
	}
	r := bufio.NewReader(sock)

	interval := c.cfg.MinPollInterval
	idleRounds := 0

	for {
		if ctx.Err() != nil {
			sock.Close()
			return nil
		}

		if nodes, bytes := sendq.Len(); nodes > 0 {
			if err := c.writeRequestLine(sock, c.cfg.ServerPort1, "S", bytes, true); err == nil {
				err = sendFrames(sock, sendq)
			} else {
				err = fmt.Errorf("send headers: %w", err)
			}
			if err == nil {
				err = recvFrames(r, recvq)
			}
			if err != nil {
				var changed bool
				sock, changed, err = c.reestablish(ctx, sock, local, peer)
				if err != nil {
					return err
				}
				if changed {
					return errSessionRestart
				}
				r = bufio.NewReader(sock)
				continue
			}
			interval = c.cfg.MinPollInterval
			idleRounds = 0
			continue
		}

		if sendq.TimedWait(interval) {
			// Data arrived while we were about to poll; loop back to send it.
			continue
		}

		var perr error
		if err := c.writeRequestLine(sock, c.cfg.ServerPort1, "P", 2, true); err != nil {
			perr = err
		} else if _, err := sock.Write([]byte(":)")); err != nil {
			perr = err
		} else {
			perr = recvFrames(r, recvq)
		}
		if perr != nil {
			var changed bool
			sock, changed, err = c.reestablish(ctx, sock, local, peer)
			if err != nil {
				return err
			}
			if changed {
				return errSessionRestart
			}
			r = bufio.NewReader(sock)
			continue
		}

		idleRounds++
		if idleRounds >= c.cfg.PollBackoffRate {
			interval *= 2
			if interval > c.cfg.MaxPollInterval {
				interval = c.cfg.MaxPollInterval
			}
			idleRounds = 0
		}
	}
}

// proto2Sender owns protocol 2's send channel: drain sendq on a ~10s
// timed-wait and POST S, acking with a bare 204 read, the sender contract.
func (c *Client) proto2Sender(ctx context.Context, sendq *queue.Queue, local, peer netip.Addr) error {
	sock, _, _, err := c.negotiateChannel1(ctx)
	if err != nil {
		return err
	}
	r := bufio.NewReader(sock)

	const ackWait = 10500 * time.Millisecond
	for {
		if ctx.Err() != nil {
			sock.Close()
			return nil
		}
		if !sendq.TimedWait(ackWait) {
			continue
		}

		_, bytes := sendq.Len()
		var serr error
		if err := c.writeRequestLine(sock, c.cfg.ServerPort1, "S", bytes, true); err != nil {
			serr = err
		} else if err := sendFrames(sock, sendq); err != nil {
			serr = err
		} else if _, err := wire.ReadStatusLine(r); err != nil {
			serr = err
		} else if _, err := wire.ReadHeaders(r, 8192); err != nil {
			serr = err
		}
		if serr != nil {
			var changed bool
			sock, changed, err = c.reestablish(ctx, sock, local, peer)
			if err != nil {
				return err
			}
			if changed {
				return errSessionRestart
			}
			r = bufio.NewReader(sock)
		}
	}
}

// proto2Receiver owns protocol 2's dedicated receive channel, opened via CR
// and polled with R, with its own independent reconnect budget.
func (c *Client) proto2Receiver(ctx context.Context, recvq *queue.Queue) error {
	sock, r, err := c.openReceiveChannel(ctx)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			sock.Close()
			return nil
		}
		secs := int(c.cfg.Channel2IdleAllow / time.Second)
		if secs <= 0 {
			secs = 1
		}
		body := fmt.Sprintf("%d", secs)
		var recvErr error
		if err := c.writeRequestLine(sock, c.cfg.ServerPort2, "R", len(body), true); err != nil {
			recvErr = err
		} else if _, err := sock.Write([]byte(body)); err != nil {
			recvErr = err
		} else {
			recvErr = recvFrames(r, recvq)
		}
		if recvErr != nil {
			sock, r, err = c.reopenReceiveChannel(ctx)
			if err != nil {
				return err
			}
		}
	}
}

func (c *Client) reopenReceiveChannel(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	tries := c.cfg.ReconnectTries
	for tries != 0 {
		sock, r, err := c.openReceiveChannel(ctx)
		if err == nil {
			return sock, r, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		c.log.Warn("receive channel reconnect failed", "err", err)
		if tries > 0 {
			tries--
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(c.cfg.ReconnectSleep):
		}
	}
	return nil, nil, fmt.Errorf("client: exhausted reconnect retries reopening receive channel")
}

// openReceiveChannel POSTs CR on a fresh proxy connection, the
// open_recieve_channel contract, expecting a bare 204 acknowledgement.
func (c *Client) openReceiveChannel(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	sock, err := c.dialProxy(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := c.writeRequestLine(sock, c.cfg.ServerPort2, "CR", len(c.mac), true); err != nil {
		sock.Close()
		return nil, nil, err
	}
	if _, err := sock.Write([]byte(c.mac)); err != nil {
		sock.Close()
		return nil, nil, err
	}
	r := bufio.NewReader(sock)
	code, err := wire.ReadStatusLine(r)
	if err != nil {
		sock.Close()
		return nil, nil, err
	}
	if _, err := wire.ReadHeaders(r, 8192); err != nil {
		sock.Close()
		return nil, nil, err
	}
	if code != 204 {
		sock.Close()
		return nil, nil, fmt.Errorf("client: CR rejected with status %d", code)
	}
	return sock, r, nil
}
