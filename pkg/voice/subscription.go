package voice

// Subscription links a [Player] to a [Connection]. Each connection holds at
// most one subscription, each player at most one per connection. Create one
// with [Connection.Subscribe].
type Subscription struct {
	Connection *Connection
	Player     *Player
}

// Unsubscribe removes the link from both sides and tells the connection to
// stop speaking.
func (s *Subscription) Unsubscribe() {
	s.Connection.rt.exec(s.unsubscribe)
}

func (s *Subscription) unsubscribe() {
	c := s.Connection
	if subscriptionOf(c.state) == s {
		c.setState(withSubscription(c.state, nil))
		return
	}
	s.Player.unsubscribe(s)
}
