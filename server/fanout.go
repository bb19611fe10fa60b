package server

import (
	"context"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/storage"
	"github.com/asaidimu/go-loom/protocol"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// fanOut delivers committed mutations to every subscription whose predicate
// matches the post-merge row. The originating connection is suppressed: it
// already holds the optimistic state and reconciles through its ack. Failures
// on one subscriber never block delivery to the others.
func (s *Server) fanOut(mutations []storage.Mutation) {
	for _, m := range mutations {
		if err := s.fanOutOne(m); err != nil {
			s.logger.Warn("fan-out finished with errors",
				zap.String("resource", m.Resource),
				zap.String("mutation", m.ID),
				zap.Error(err))
		}
	}
}

func (s *Server) fanOutOne(m storage.Mutation) error {
	subs := s.subscriptions.forResource(m.Resource)
	if len(subs) == 0 {
		return nil
	}
	origin := s.originOf(m.ID)

	frame := protocol.Message{
		Type:       protocol.TypeMutate,
		Resource:   m.Resource,
		ResourceID: m.ResourceID,
		Procedure:  string(m.Procedure),
		Payload:    m.Payload,
		MutationID: m.ID,
		Origin:     origin,
	}

	var errs *multierror.Error
	delivered := map[string]bool{}
	for _, sub := range subs {
		if sub.ConnID == origin {
			continue
		}
		if sub.Where != nil && !sub.Where.IsEmpty() {
			// The flat post-merge row answers most predicates; a predicate
			// that traverses relations needs the joined shape, refetched with
			// the include set the predicate implies.
			row := m.Row
			if needsJoin(*sub.Where) {
				fetched, err := s.joinedRow(m, clause.ExtractIncludeFromWhere(*sub.Where))
				if err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				row = fetched
			}
			if row == nil || !clause.Matches(row, *sub.Where) {
				continue
			}
		}
		// One frame per connection even when several of its subscriptions
		// match the same mutation.
		if delivered[sub.ConnID] {
			continue
		}
		delivered[sub.ConnID] = true

		c := s.connByID(sub.ConnID)
		if c == nil {
			continue
		}
		if !c.enqueue(frame) {
			s.logger.Warn("dropping broadcast, subscriber queue is full",
				zap.String("conn", sub.ConnID), zap.String("resource", m.Resource))
		}
	}
	return errs.ErrorOrNil()
}

// needsJoin reports whether a predicate traverses relations anywhere in its
// tree.
func needsJoin(w clause.Where) bool {
	if len(w.Relations) > 0 {
		return true
	}
	for _, group := range w.And {
		if needsJoin(group) {
			return true
		}
	}
	for _, group := range w.Or {
		if needsJoin(group) {
			return true
		}
	}
	return false
}

// joinedRow refetches the mutated row with the include shape a relation
// predicate requires.
func (s *Server) joinedRow(m storage.Mutation, include clause.Include) (map[string]any, error) {
	return s.engine.FindOne(context.Background(), m.Resource, m.ResourceID, include)
}
