package chat

// Seen tracks which messages are already part of a sequence.
//
// A message with a DeliveryID is a duplicate of an earlier message with the
// same DeliveryID, or of an earlier id-less message with the same
// Fingerprint. A message without a DeliveryID is a duplicate of any earlier
// message with the same Fingerprint. Two messages that both carry distinct
// DeliveryIDs are never duplicates, even when their fingerprints match.
type Seen struct {
	ids       map[string]struct{}
	fps       map[string]struct{}
	anonymous map[string]struct{}
}

func NewSeen() *Seen {
	return &Seen{
		ids:       map[string]struct{}{},
		fps:       map[string]struct{}{},
		anonymous: map[string]struct{}{},
	}
}

func (s *Seen) Contains(m Message) bool {
	fp := m.Fingerprint()
	if m.DeliveryID != "" {
		if _, ok := s.ids[m.DeliveryID]; ok {
			return true
		}
		_, ok := s.anonymous[fp]
		return ok
	}
	_, ok := s.fps[fp]
	return ok
}

func (s *Seen) Add(m Message) {
	fp := m.Fingerprint()
	s.fps[fp] = struct{}{}
	if m.DeliveryID != "" {
		s.ids[m.DeliveryID] = struct{}{}
		return
	}
	s.anonymous[fp] = struct{}{}
}

// Remember adds m and reports whether it was new.
func (s *Seen) Remember(m Message) bool {
	if s.Contains(m) {
		return false
	}
	s.Add(m)
	return true
}
