package models

import (
	"encoding/json"
	"fmt"
)

// Topic is one entry of the taxonomy produced by the clustering stage.
type Topic struct {
	TopicName             string     `json:"topicName"`
	TopicShortDescription string     `json:"topicShortDescription,omitempty"`
	Subtopics             []Subtopic `json:"subtopics"`
}

// Subtopic is a second-level taxonomy entry.
type Subtopic struct {
	SubtopicName             string  `json:"subtopicName"`
	SubtopicShortDescription string  `json:"subtopicShortDescription,omitempty"`
	Claims                   []Claim `json:"claims,omitempty"`
}

// Claim is an atomic assertion extracted from a comment and mapped to a
// (topic, subtopic) pair. Duplicates are near-restatements attached to a
// primary claim during deduplication.
type Claim struct {
	Claim        string  `json:"claim"`
	Quote        string  `json:"quote"`
	Speaker      string  `json:"speaker,omitempty"`
	TopicName    string  `json:"topicName"`
	SubtopicName string  `json:"subtopicName"`
	CommentID    string  `json:"commentId"`
	Duplicates   []Claim `json:"duplicates"`
	Duplicated   bool    `json:"duplicated"`
}

// ClaimsTree is the claims stage output: claims grouped under the taxonomy's
// exact topic and subtopic names. Iteration order is not meaningful; the
// sort stage imposes ordering later.
type ClaimsTree map[string]*TopicNode

// TopicNode is one topic bucket of a ClaimsTree.
type TopicNode struct {
	Total     int                      `json:"total"`
	Subtopics map[string]*SubtopicNode `json:"subtopics"`
}

// SubtopicNode is one subtopic bucket of a ClaimsTree.
type SubtopicNode struct {
	Total  int     `json:"total"`
	Claims []Claim `json:"claims"`
}

// NewClaimsTree builds an empty tree with a bucket for every (topic,
// subtopic) of the taxonomy, so membership checks during insertion are a
// map lookup rather than a scan over topic names.
func NewClaimsTree(taxonomy []Topic) ClaimsTree {
	tree := make(ClaimsTree, len(taxonomy))
	for _, topic := range taxonomy {
		node := &TopicNode{Subtopics: make(map[string]*SubtopicNode, len(topic.Subtopics))}
		for _, sub := range topic.Subtopics {
			node.Subtopics[sub.SubtopicName] = &SubtopicNode{}
		}
		tree[topic.TopicName] = node
	}
	return tree
}

// Insert adds a claim under its topic/subtopic bucket. It returns false if
// the claim references a topic or subtopic that does not exist in the tree;
// unknown names are never materialized into fabricated nodes.
func (t ClaimsTree) Insert(claim Claim) bool {
	topic, ok := t[claim.TopicName]
	if !ok {
		return false
	}
	sub, ok := topic.Subtopics[claim.SubtopicName]
	if !ok {
		return false
	}
	sub.Claims = append(sub.Claims, claim)
	sub.Total++
	topic.Total++
	return true
}

// Merge folds another tree into this one. Both trees must have been built
// from the same taxonomy; buckets missing locally are copied over.
func (t ClaimsTree) Merge(other ClaimsTree) {
	for topicName, otherTopic := range other {
		topic, ok := t[topicName]
		if !ok {
			t[topicName] = otherTopic
			continue
		}
		for subName, otherSub := range otherTopic.Subtopics {
			sub, ok := topic.Subtopics[subName]
			if !ok {
				topic.Subtopics[subName] = otherSub
				topic.Total += otherSub.Total
				continue
			}
			sub.Claims = append(sub.Claims, otherSub.Claims...)
			sub.Total += otherSub.Total
			topic.Total += otherSub.Total
		}
	}
}

// TreeCounts summarizes a topic or subtopic of a sorted tree.
type TreeCounts struct {
	Claims   int `json:"claims"`
	Speakers int `json:"speakers"`
}

// SubtopicSummary is the per-subtopic payload of a sorted tree.
type SubtopicSummary struct {
	Claims   []Claim    `json:"claims"`
	Speakers []string   `json:"speakers"`
	Counts   TreeCounts `json:"counts"`
}

// TopicSummary is the per-topic payload of a sorted tree. Topics holds the
// ordered subtopics (the field name is historical wire format).
type TopicSummary struct {
	Topics   []SubtopicPair `json:"topics"`
	Speakers []string       `json:"speakers"`
	Counts   TreeCounts     `json:"counts"`
}

// TopicPair is a (topicName, summary) entry of a sorted tree. It serializes
// as a two-element JSON array to preserve ordering on the wire.
type TopicPair struct {
	Name string
	Data TopicSummary
}

// SubtopicPair is a (subtopicName, summary) entry within a topic.
type SubtopicPair struct {
	Name string
	Data SubtopicSummary
}

// SortedTree is the sort_and_deduplicate stage output: topics ordered by the
// active sort strategy, each holding its ordered subtopics.
type SortedTree []TopicPair

// MarshalJSON implements json.Marshaler.
func (p TopicPair) MarshalJSON() ([]byte, error) {
	return marshalPair(p.Name, p.Data)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *TopicPair) UnmarshalJSON(data []byte) error {
	return unmarshalPair(data, &p.Name, &p.Data)
}

// MarshalJSON implements json.Marshaler.
func (p SubtopicPair) MarshalJSON() ([]byte, error) {
	return marshalPair(p.Name, p.Data)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *SubtopicPair) UnmarshalJSON(data []byte) error {
	return unmarshalPair(data, &p.Name, &p.Data)
}

func marshalPair(name string, data any) ([]byte, error) {
	return json.Marshal([2]any{name, data})
}

func unmarshalPair(data []byte, name *string, out any) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tree entry is not a pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], name); err != nil {
		return fmt.Errorf("tree entry name: %w", err)
	}
	if err := json.Unmarshal(raw[1], out); err != nil {
		return fmt.Errorf("tree entry payload: %w", err)
	}
	return nil
}

// TopicSummaryText is one entry of the summaries stage output.
type TopicSummaryText struct {
	TopicName string `json:"topicName"`
	Summary   string `json:"summary"`
}
