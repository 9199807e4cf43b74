package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTaxonomy() []Topic {
	return []Topic{
		{
			TopicName: "Food",
			Subtopics: []Subtopic{
				{SubtopicName: "Quality"},
				{SubtopicName: "Price"},
			},
		},
		{
			TopicName: "Service",
			Subtopics: []Subtopic{
				{SubtopicName: "Speed"},
			},
		},
	}
}

func TestClaimsTreeInsert(t *testing.T) {
	tree := NewClaimsTree(testTaxonomy())

	ok := tree.Insert(Claim{Claim: "good pizza", TopicName: "Food", SubtopicName: "Quality"})
	assert.True(t, ok)
	assert.Equal(t, 1, tree["Food"].Total)
	assert.Equal(t, 1, tree["Food"].Subtopics["Quality"].Total)

	// Unknown names are rejected, never materialized.
	assert.False(t, tree.Insert(Claim{TopicName: "Drinks", SubtopicName: "Quality"}))
	assert.False(t, tree.Insert(Claim{TopicName: "Food", SubtopicName: "Portions"}))
	assert.NotContains(t, tree, "Drinks")
	assert.NotContains(t, tree["Food"].Subtopics, "Portions")

	// Names are matched exactly, including case.
	assert.False(t, tree.Insert(Claim{TopicName: "food", SubtopicName: "Quality"}))
}

func TestClaimsTreeMerge(t *testing.T) {
	taxonomy := testTaxonomy()
	a := NewClaimsTree(taxonomy)
	b := NewClaimsTree(taxonomy)

	require.True(t, a.Insert(Claim{Claim: "c1", TopicName: "Food", SubtopicName: "Quality"}))
	require.True(t, b.Insert(Claim{Claim: "c2", TopicName: "Food", SubtopicName: "Quality"}))
	require.True(t, b.Insert(Claim{Claim: "c3", TopicName: "Service", SubtopicName: "Speed"}))

	a.Merge(b)

	assert.Equal(t, 2, a["Food"].Total)
	assert.Len(t, a["Food"].Subtopics["Quality"].Claims, 2)
	assert.Equal(t, 1, a["Service"].Total)
}

func TestTopicPairSerializesAsTuple(t *testing.T) {
	pair := TopicPair{
		Name: "Food",
		Data: TopicSummary{
			Topics: []SubtopicPair{
				{
					Name: "Quality",
					Data: SubtopicSummary{
						Claims:   []Claim{},
						Speakers: []string{"alice"},
						Counts:   TreeCounts{Claims: 0, Speakers: 1},
					},
				},
			},
			Speakers: []string{"alice"},
			Counts:   TreeCounts{Claims: 0, Speakers: 1},
		},
	}

	data, err := json.Marshal(pair)
	require.NoError(t, err)

	// Wire format is a two-element array, not an object.
	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 2)
	assert.Equal(t, `"Food"`, string(raw[0]))

	var decoded TopicPair
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, pair.Name, decoded.Name)
	require.Len(t, decoded.Data.Topics, 1)
	assert.Equal(t, "Quality", decoded.Data.Topics[0].Name)
	assert.Equal(t, []string{"alice"}, decoded.Data.Topics[0].Data.Speakers)
}

func TestSortedTreeRoundTripPreservesOrder(t *testing.T) {
	tree := SortedTree{
		{Name: "B", Data: TopicSummary{Counts: TreeCounts{Claims: 5, Speakers: 3}}},
		{Name: "A", Data: TopicSummary{Counts: TreeCounts{Claims: 2, Speakers: 1}}},
	}

	data, err := json.Marshal(tree)
	require.NoError(t, err)

	var decoded SortedTree
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "B", decoded[0].Name)
	assert.Equal(t, "A", decoded[1].Name)
	assert.Equal(t, 5, decoded[0].Data.Counts.Claims)
}

func TestPairRejectsNonTuple(t *testing.T) {
	var pair TopicPair
	assert.Error(t, json.Unmarshal([]byte(`{"name":"Food"}`), &pair))
	assert.Error(t, json.Unmarshal([]byte(`["Food"]`), &pair))
}

func TestEffectiveSortStrategy(t *testing.T) {
	in := &PipelineInput{}
	assert.Equal(t, SortByPeople, in.EffectiveSortStrategy())

	in.SortStrategy = SortByClaims
	assert.Equal(t, SortByClaims, in.EffectiveSortStrategy())

	in.SortStrategy = "bogus"
	assert.Equal(t, SortByPeople, in.EffectiveSortStrategy())
}
