package service

import (
	"cmp"
	"net/http"
	"slices"
	"time"

	"github.com/myterms/consentledger/internal/protocol"
)

// Assemble groups candidates by origin and computes one aggregate digest per
// origin. Origins appear in the order of their first member; members keep id
// order inside each origin and in MemberIDs.
func Assemble(candidates []protocol.DecisionRecord, force bool, preparedAt time.Time) (protocol.BatchPlan, error) {
	if len(candidates) == 0 {
		return protocol.BatchPlan{}, NewAppError(http.StatusBadRequest, CodeEmptyBatch, "cannot assemble a batch with no candidates", false, nil)
	}
	ordered := slices.Clone(candidates)
	slices.SortStableFunc(ordered, func(a, b protocol.DecisionRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})

	index := make(map[string]int)
	origins := make([]string, 0)
	members := make([][]protocol.Digest, 0)
	memberIDs := make([]int64, 0, len(ordered))
	for _, rec := range ordered {
		i, ok := index[rec.OriginDomain]
		if !ok {
			i = len(origins)
			index[rec.OriginDomain] = i
			origins = append(origins, rec.OriginDomain)
			members = append(members, nil)
		}
		members[i] = append(members[i], rec.ContentHash)
		memberIDs = append(memberIDs, rec.ID)
	}

	digests := make([]protocol.Digest, len(origins))
	for i := range origins {
		digests[i] = protocol.AggregateDigest(members[i])
	}
	return protocol.BatchPlan{
		PlanID:          protocol.NewPlanID(),
		Origins:         origins,
		PerOriginDigest: digests,
		MemberIDs:       memberIDs,
		Force:           force,
		PreparedAt:      preparedAt.UTC(),
	}, nil
}

// PerOrigin zips a plan's parallel lists into the stored batch form.
func PerOrigin(plan protocol.BatchPlan) []protocol.OriginDigest {
	out := make([]protocol.OriginDigest, 0, len(plan.Origins))
	for i, origin := range plan.Origins {
		out = append(out, protocol.OriginDigest{Origin: origin, Digest: plan.PerOriginDigest[i]})
	}
	return out
}

func samePlanContents(a, b protocol.BatchPlan) bool {
	return slices.Equal(a.Origins, b.Origins) &&
		slices.Equal(a.PerOriginDigest, b.PerOriginDigest) &&
		slices.Equal(a.MemberIDs, b.MemberIDs)
}
