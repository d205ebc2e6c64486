package relay

// Room is the process-local set of connections sharing one session id. All
// membership reads and writes happen under the hub's registry lock; Room
// itself never blocks on I/O.
type Room struct {
	ID      string
	clients map[*Client]struct{}
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		clients: make(map[*Client]struct{}),
	}
}

func (r *Room) add(c *Client) {
	r.clients[c] = struct{}{}
}

func (r *Room) remove(c *Client) {
	delete(r.clients, c)
}

func (r *Room) empty() bool {
	return len(r.clients) == 0
}

// byRole snapshots the members holding a role, optionally excluding one
// connection.
func (r *Room) byRole(role Role, exclude *Client) []*Client {
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c.Role == role && c != exclude {
			out = append(out, c)
		}
	}
	return out
}

func (r *Room) countByRole(role Role) int {
	n := 0
	for c := range r.clients {
		if c.Role == role {
			n++
		}
	}
	return n
}

// recipients applies the fan-out matrix: displays reach controllers and
// viewers, controllers and viewers reach displays. The sender is always
// excluded.
func (r *Room) recipients(senderRole Role, exclude *Client) []*Client {
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c == exclude {
			continue
		}
		switch senderRole {
		case RoleDisplay:
			if c.Role == RoleController || c.Role == RoleViewer {
				out = append(out, c)
			}
		case RoleController, RoleViewer:
			if c.Role == RoleDisplay {
				out = append(out, c)
			}
		}
	}
	return out
}
