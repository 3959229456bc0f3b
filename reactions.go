package chatsync

// ReactionAggregator keeps the raw reaction list per message and folds it
// into per-emoji groups on demand. There is no cached grouping to keep in
// sync; every query recomputes from the raw list.
type ReactionAggregator struct {
	localUserID string
	raw         map[string][]Reaction
}

// NewReactionAggregator creates an empty aggregator. localUserID drives the
// IncludesLocalUser flag.
func NewReactionAggregator(localUserID string) *ReactionAggregator {
	return &ReactionAggregator{
		localUserID: localUserID,
		raw:         make(map[string][]Reaction),
	}
}

func (a *ReactionAggregator) index(messageID, emoji, userID string) int {
	for i, r := range a.raw[messageID] {
		if r.Emoji == emoji && r.UserID == userID {
			return i
		}
	}
	return -1
}

// AddReaction records (message, user, emoji). A duplicate is a no-op.
func (a *ReactionAggregator) AddReaction(messageID, emoji, userID string) bool {
	if messageID == "" || emoji == "" || userID == "" {
		return false
	}
	if a.index(messageID, emoji, userID) >= 0 {
		return false
	}
	a.raw[messageID] = append(a.raw[messageID], Reaction{Emoji: emoji, UserID: userID})
	return true
}

// RemoveReaction drops (message, user, emoji). A missing triple is a no-op.
func (a *ReactionAggregator) RemoveReaction(messageID, emoji, userID string) bool {
	i := a.index(messageID, emoji, userID)
	if i < 0 {
		return false
	}
	list := a.raw[messageID]
	list = append(list[:i:i], list[i+1:]...)
	if len(list) == 0 {
		delete(a.raw, messageID)
	} else {
		a.raw[messageID] = list
	}
	return true
}

// Toggle adds the reaction if userID has not placed it yet and removes it
// otherwise. It reports whether the reaction is now present.
func (a *ReactionAggregator) Toggle(messageID, emoji, userID string) (added bool) {
	if a.RemoveReaction(messageID, emoji, userID) {
		return false
	}
	return a.AddReaction(messageID, emoji, userID)
}

// Has reports whether userID reacted to messageID with emoji.
func (a *ReactionAggregator) Has(messageID, emoji, userID string) bool {
	return a.index(messageID, emoji, userID) >= 0
}

// Seed loads the reactions carried by a history message.
func (a *ReactionAggregator) Seed(m Message) {
	key := m.ID
	if key == "" {
		return
	}
	for _, r := range m.Reactions {
		a.AddReaction(key, r.Emoji, r.UserID)
	}
}

// Raw returns a copy of the raw reaction list for messageID.
func (a *ReactionAggregator) Raw(messageID string) []Reaction {
	return append([]Reaction(nil), a.raw[messageID]...)
}

// GroupedFor returns one group per emoji, in order of first use. Count is the
// number of distinct users who reacted with that emoji.
func (a *ReactionAggregator) GroupedFor(messageID string) []ReactionGroup {
	list := a.raw[messageID]
	if len(list) == 0 {
		return nil
	}
	pos := make(map[string]int)
	var groups []ReactionGroup
	for _, r := range list {
		i, ok := pos[r.Emoji]
		if !ok {
			i = len(groups)
			pos[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		g := &groups[i]
		g.Users = append(g.Users, r.UserID)
		g.Count++
		if r.UserID == a.localUserID {
			g.IncludesLocalUser = true
		}
	}
	return groups
}

// Clear drops every reaction.
func (a *ReactionAggregator) Clear() {
	a.raw = make(map[string][]Reaction)
}
