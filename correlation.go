package driftguard

import (
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Campaign is a group of identities whose anomaly signatures move together.
// Membership holds identity keys only; the identity table owns the state, so
// eviction must drop the key from any campaign it appears in.
type Campaign struct {
	ID            string    `json:"id"`
	Members       []string  `json:"members"`
	Cohesion      float64   `json:"cohesion"`
	Confirmed     bool      `json:"confirmed"`
	FirstDetected time.Time `json:"firstDetected"`
	LastConfirmed time.Time `json:"lastConfirmed"`
}

// SignatureRecord is one identity's entry in the correlation snapshot.
type SignatureRecord struct {
	Key       string
	Signature []float64
	Combined  float64
}

// CorrelationDetector links individually-unremarkable identities into
// campaigns. Signatures are bucketed by a random-hyperplane hash so candidate
// grouping is O(n); exact cosine similarity runs only inside a bucket.
// Campaigns are rebuilt from scratch every cycle; only identity carries over,
// matched by member overlap against the previous cycle.
type CorrelationDetector struct {
	hashBits    int
	simThresh   float64
	minCombined float64
	minMembers  int
	maxPairwise int

	planes [][]float64
	rng    *rand.Rand

	prev []Campaign
}

// NewCorrelationDetector derives its policy from validated config. The
// hyperplane seed is fixed so hash buckets stay stable across cycles.
func NewCorrelationDetector(cfg *Config) *CorrelationDetector {
	return &CorrelationDetector{
		hashBits:    cfg.SignatureHashBits,
		simThresh:   cfg.CampaignSimilarity,
		minCombined: cfg.FlagThreshold / 2,
		minMembers:  cfg.CampaignMinMembers,
		maxPairwise: cfg.MaxPairwise,
		rng:         rand.New(rand.NewSource(0x5bca)),
	}
}

// Detect groups the snapshot into campaigns. The snapshot is read-only; the
// caller owns concurrency.
func (d *CorrelationDetector) Detect(records []SignatureRecord, now time.Time) []Campaign {
	candidates := records[:0:0]
	for _, r := range records {
		if r.Combined < d.minCombined || len(r.Signature) == 0 {
			continue
		}
		if floats.Norm(r.Signature, 2) == 0 {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) < 2 {
		d.prev = nil
		return nil
	}

	d.ensurePlanes(len(candidates[0].Signature))

	buckets := make(map[uint64][]int)
	for i, r := range candidates {
		h := d.hash(r.Signature)
		buckets[h] = append(buckets[h], i)
	}

	var campaigns []Campaign
	for _, idxs := range buckets {
		if len(idxs) < 2 {
			continue
		}
		var clusters []Campaign
		if len(idxs) <= d.maxPairwise {
			clusters = d.clusterPairwise(candidates, idxs)
		} else {
			clusters = d.clusterCentroid(candidates, idxs)
		}
		campaigns = append(campaigns, clusters...)
	}

	for i := range campaigns {
		c := &campaigns[i]
		sort.Strings(c.Members)
		c.Confirmed = len(c.Members) >= d.minMembers
		c.FirstDetected = now
		c.LastConfirmed = now
		if prev := d.matchPrevious(c.Members); prev != nil {
			c.ID = prev.ID
			c.FirstDetected = prev.FirstDetected
		} else {
			c.ID = uuid.NewString()
		}
	}
	sort.Slice(campaigns, func(i, j int) bool { return len(campaigns[i].Members) > len(campaigns[j].Members) })
	d.prev = campaigns
	return campaigns
}

// clusterPairwise joins every pair above the similarity threshold with
// union-find and reports each component of size >= 2. Cohesion is the mean
// pairwise similarity among the final membership.
func (d *CorrelationDetector) clusterPairwise(records []SignatureRecord, idxs []int) []Campaign {
	parent := make(map[int]int, len(idxs))
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for _, i := range idxs {
		parent[i] = i
	}

	sims := make(map[[2]int]float64)
	for a := 0; a < len(idxs); a++ {
		for b := a + 1; b < len(idxs); b++ {
			i, j := idxs[a], idxs[b]
			sim := cosine(records[i].Signature, records[j].Signature)
			sims[[2]int{i, j}] = sim
			if sim >= d.simThresh {
				parent[find(i)] = find(j)
			}
		}
	}

	groups := make(map[int][]int)
	for _, i := range idxs {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	var out []Campaign
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		var pair []float64
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				i, j := members[a], members[b]
				if i > j {
					i, j = j, i
				}
				pair = append(pair, sims[[2]int{i, j}])
			}
		}
		keys := make([]string, 0, len(members))
		for _, i := range members {
			keys = append(keys, records[i].Key)
		}
		out = append(out, Campaign{Members: keys, Cohesion: stat.Mean(pair, nil)})
	}
	return out
}

// clusterCentroid bounds the work for oversized candidate buckets: members
// are admitted by similarity to the bucket centroid instead of all pairs,
// keeping the pass linear when thousands of identities hash together.
func (d *CorrelationDetector) clusterCentroid(records []SignatureRecord, idxs []int) []Campaign {
	dim := len(records[idxs[0]].Signature)
	centroid := make([]float64, dim)
	for _, i := range idxs {
		floats.Add(centroid, records[i].Signature)
	}
	if norm := floats.Norm(centroid, 2); norm > 0 {
		floats.Scale(1/norm, centroid)
	}

	var keys []string
	var sims []float64
	for _, i := range idxs {
		sim := cosine(records[i].Signature, centroid)
		if sim >= d.simThresh {
			keys = append(keys, records[i].Key)
			sims = append(sims, sim)
		}
	}
	if len(keys) < 2 {
		return nil
	}
	return []Campaign{{Members: keys, Cohesion: stat.Mean(sims, nil)}}
}

// matchPrevious carries campaign identity forward when the membership overlap
// with a previous cycle's campaign reaches half of the smaller set.
func (d *CorrelationDetector) matchPrevious(members []string) *Campaign {
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	var best *Campaign
	bestOverlap := 0
	for i := range d.prev {
		p := &d.prev[i]
		overlap := 0
		for _, m := range p.Members {
			if set[m] {
				overlap++
			}
		}
		smaller := len(members)
		if len(p.Members) < smaller {
			smaller = len(p.Members)
		}
		if smaller > 0 && overlap*2 >= smaller && overlap > bestOverlap {
			best = p
			bestOverlap = overlap
		}
	}
	return best
}

func (d *CorrelationDetector) ensurePlanes(dim int) {
	if len(d.planes) == d.hashBits && len(d.planes[0]) == dim {
		return
	}
	d.planes = make([][]float64, d.hashBits)
	for i := range d.planes {
		plane := make([]float64, dim)
		for j := range plane {
			plane[j] = d.rng.NormFloat64()
		}
		d.planes[i] = plane
	}
}

// hash computes the random-hyperplane signature hash: one bit per plane,
// set when the signature lies on the plane's positive side.
func (d *CorrelationDetector) hash(sig []float64) uint64 {
	var h uint64
	for i, plane := range d.planes {
		if floats.Dot(sig, plane) >= 0 {
			h |= 1 << uint(i)
		}
	}
	return h
}

func cosine(a, b []float64) float64 {
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
