package main

import (
	"fmt"
	"strings"

	"github.com/aeolun/minichat/pkg/protocol"
)

// console tracks which room plain lines are sent to
type console struct {
	current string
	joined  []string
}

// action is what one line of input asks for. At most one of req and
// local is set; quit ends the session.
type action struct {
	req   protocol.Request
	local string
	quit  bool
}

const helpText = `Commands:
  /join <room>          join a room and make it current
  /leave [room]         leave a room (default: current)
  /switch <room>        send plain lines to another joined room
  /to <user> <message>  send a direct message (#room sends to a room)
  /rooms                list joined rooms
  /quit                 disconnect
Anything else is sent to the current room.`

// evictedPrefix starts the error a lagging client gets when a room drops it
const evictedPrefix = "Removed from room "

// parse turns one input line into an action
func (c *console) parse(line string) (action, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return action{}, nil
	}

	if !strings.HasPrefix(line, "/") {
		if c.current == "" {
			return action{}, fmt.Errorf("no current room: /join one first")
		}
		return action{req: &protocol.SendRequest{
			To:      protocol.RoomRecipient(c.current),
			Content: line,
		}}, nil
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "join":
		if rest == "" {
			return action{}, fmt.Errorf("usage: /join <room>")
		}
		return action{req: &protocol.JoinRoomRequest{Room: rest}}, nil

	case "leave":
		room := rest
		if room == "" {
			room = c.current
		}
		if room == "" {
			return action{}, fmt.Errorf("cannot leave: no room joined")
		}
		return action{req: &protocol.LeaveRoomRequest{Room: room}}, nil

	case "switch":
		if !c.isJoined(rest) {
			return action{}, fmt.Errorf("not in room %q", rest)
		}
		c.current = rest
		return action{local: "now talking in #" + rest}, nil

	case "to":
		target, msg, ok := strings.Cut(rest, " ")
		if !ok || target == "" || strings.TrimSpace(msg) == "" {
			return action{}, fmt.Errorf("usage: /to <user|#room|@user> <message>")
		}
		to := protocol.UserRecipient(target)
		if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "@") {
			var err error
			if to, err = protocol.ParseRecipient(target); err != nil {
				return action{}, err
			}
		}
		return action{req: &protocol.SendRequest{To: to, Content: msg}}, nil

	case "rooms":
		if len(c.joined) == 0 {
			return action{local: "no rooms joined"}, nil
		}
		return action{local: "joined: #" + strings.Join(c.joined, ", #")}, nil

	case "help":
		return action{local: helpText}, nil

	case "quit":
		return action{quit: true}, nil

	default:
		return action{}, fmt.Errorf("not a command: %s", line)
	}
}

// render formats a server response for the terminal and updates the
// joined-room bookkeeping
func (c *console) render(resp protocol.Response) string {
	switch resp := resp.(type) {
	case *protocol.RoomEvent:
		switch resp.Op.Kind {
		case protocol.OpMessage:
			return fmt.Sprintf("[#%s] <%s> %s", resp.Room, resp.Op.From, resp.Op.Content)
		case protocol.OpUserJoined:
			return fmt.Sprintf("[#%s] * %s joined", resp.Room, resp.Op.Nickname)
		case protocol.OpUserLeft:
			return fmt.Sprintf("[#%s] * %s left", resp.Room, resp.Op.Nickname)
		}
	case *protocol.DirectMessageResponse:
		return fmt.Sprintf("[@%s] %s", resp.From, resp.Content)
	case *protocol.JoinAckResponse:
		c.join(resp.Room)
		if len(resp.Members) == 0 {
			return fmt.Sprintf("joined #%s (empty)", resp.Room)
		}
		return fmt.Sprintf("joined #%s with %s", resp.Room, strings.Join(resp.Members, ", "))
	case *protocol.LeaveAckResponse:
		return "left room"
	case *protocol.AckResponse:
		return ""
	case *protocol.ErrorResponse:
		if rest, ok := strings.CutPrefix(resp.Message, evictedPrefix); ok {
			if room, _, ok := strings.Cut(rest, ":"); ok {
				c.left(room)
			}
		}
		return "! " + resp.Message
	}
	return fmt.Sprintf("(unhandled %s)", protocol.TypeName(resp.Type()))
}

// left drops room from the bookkeeping. LeaveAck carries no room name,
// so callers record the leave when they send it.
func (c *console) left(room string) {
	for i, r := range c.joined {
		if r == room {
			c.joined = append(c.joined[:i], c.joined[i+1:]...)
			break
		}
	}
	if c.current == room {
		c.current = ""
		if len(c.joined) > 0 {
			c.current = c.joined[len(c.joined)-1]
		}
	}
}

func (c *console) join(room string) {
	if !c.isJoined(room) {
		c.joined = append(c.joined, room)
	}
	c.current = room
}

func (c *console) isJoined(room string) bool {
	for _, r := range c.joined {
		if r == room {
			return true
		}
	}
	return false
}
