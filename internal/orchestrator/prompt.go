package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/council-proxy/core/internal/models"
)

// deliberationPrompt builds the round-k instruction given a member's own
// prior response and its live peers' prior responses, in sorted member-id
// order. Every response this prompt elicits must cite at least one peer
// id (§4.7 step 6), so the instructions spell that requirement out.
func deliberationPrompt(query, own string, peers map[string]string) string {
	var b strings.Builder
	b.WriteString("You are deliberating with peer council members on this query:\n")
	b.WriteString(query)
	b.WriteString("\n\nYour previous answer:\n")
	b.WriteString(own)
	b.WriteString("\n\nPeer answers from the previous round:\n")
	for _, id := range sortedPeerKeys(peers) {
		fmt.Fprintf(&b, "- %s: %s\n", id, peers[id])
	}
	b.WriteString("\nRefine your answer in light of your peers' reasoning. Cite at least one peer by id.")
	return b.String()
}

func sortedPeerKeys(peers map[string]string) []string {
	keys := make([]string, 0, len(peers))
	for id := range peers {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// referencedMembers scans content for any other live member's id,
// satisfying the §4.7 step-6 citation requirement's bookkeeping. A
// response citing no one yields an empty slice; the orchestrator does
// not reject it, since non-citation is recorded, not enforced.
func referencedMembers(content string, members []models.CouncilMember, exclude string) []string {
	var refs []string
	for _, m := range members {
		if m.ID == exclude {
			continue
		}
		if strings.Contains(content, m.ID) {
			refs = append(refs, m.ID)
		}
	}
	return refs
}
