package livequery

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMatchesEquality(t *testing.T) {
	record := Record{
		"name":  "alice",
		"score": float64(15),
		"stats": map[string]any{
			"wins": float64(3),
		},
		"tags": []any{"a", "b"},
	}

	matched, err := Matches(record, map[string]any{"name": "alice"})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)

	matched, err = Matches(record, map[string]any{"name": "bob"})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)

	// numbers compare by value across decoded types
	matched, err = Matches(record, map[string]any{"score": 15})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)

	// dotted paths traverse nested objects
	matched, err = Matches(record, map[string]any{"stats.wins": float64(3)})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)

	matched, err = Matches(record, map[string]any{"stats.losses": float64(1)})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)

	// array and object literals compare deeply
	matched, err = Matches(record, map[string]any{"tags": []any{"a", "b"}})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)

	matched, err = Matches(record, map[string]any{"tags": []any{"b", "a"}})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)

	// top-level keys are AND-ed
	matched, err = Matches(record, map[string]any{"name": "alice", "score": float64(10)})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)
}

func TestMatchesComparisons(t *testing.T) {
	record := Record{"score": float64(15), "name": "bob"}

	cases := []struct {
		where    map[string]any
		expected bool
	}{
		{map[string]any{"score": map[string]any{"$gt": float64(10)}}, true},
		{map[string]any{"score": map[string]any{"$gt": float64(15)}}, false},
		{map[string]any{"score": map[string]any{"$gte": float64(15)}}, true},
		{map[string]any{"score": map[string]any{"$lt": float64(20)}}, true},
		{map[string]any{"score": map[string]any{"$lte": float64(14)}}, false},
		{map[string]any{"score": map[string]any{"$ne": float64(15)}}, false},
		{map[string]any{"score": map[string]any{"$eq": float64(15)}}, true},
		{map[string]any{"score": map[string]any{"$gt": float64(10), "$lt": float64(20)}}, true},
		{map[string]any{"name": map[string]any{"$gt": "alice"}}, true},
		{map[string]any{"name": map[string]any{"$lt": "alice"}}, false},
		{map[string]any{"missing": map[string]any{"$gt": float64(0)}}, false},
	}
	for _, c := range cases {
		matched, err := Matches(record, c.where)
		assert.Equal(t, nil, err)
		assert.Equal(t, c.expected, matched)
	}
}

func TestMatchesMembership(t *testing.T) {
	record := Record{"color": "red", "tags": []any{"a", "b", "c"}}

	matched, err := Matches(record, map[string]any{"color": map[string]any{"$in": []any{"red", "blue"}}})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)

	matched, err = Matches(record, map[string]any{"color": map[string]any{"$nin": []any{"red", "blue"}}})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)

	matched, err = Matches(record, map[string]any{"tags": map[string]any{"$all": []any{"a", "c"}}})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)

	matched, err = Matches(record, map[string]any{"tags": map[string]any{"$all": []any{"a", "z"}}})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)

	// $all on a non-array value never matches
	matched, err = Matches(record, map[string]any{"color": map[string]any{"$all": []any{"red"}}})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)
}

func TestMatchesExists(t *testing.T) {
	record := Record{"present": "x", "nullish": nil}

	matched, err := Matches(record, map[string]any{"present": map[string]any{"$exists": true}})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)

	// null and missing fields never match $exists:true
	for _, path := range []string{"nullish", "missing"} {
		matched, err = Matches(record, map[string]any{path: map[string]any{"$exists": true}})
		assert.Equal(t, nil, err)
		assert.Equal(t, false, matched)

		matched, err = Matches(record, map[string]any{path: map[string]any{"$exists": false}})
		assert.Equal(t, nil, err)
		assert.Equal(t, true, matched)
	}
}

func TestMatchesRegex(t *testing.T) {
	record := Record{"name": "Alice Smith"}

	matched, err := Matches(record, map[string]any{"name": map[string]any{"$regex": "^Alice"}})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)

	matched, err = Matches(record, map[string]any{"name": map[string]any{"$regex": "^alice", "$options": "i"}})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)

	matched, err = Matches(record, map[string]any{"name": map[string]any{"$regex": "^Bob"}})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)

	// $regex on a non-string never matches
	matched, err = Matches(Record{"name": float64(3)}, map[string]any{"name": map[string]any{"$regex": "3"}})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)

	// unsupported option flag is a hard failure
	_, err = Matches(record, map[string]any{"name": map[string]any{"$regex": "x", "$options": "z"}})
	assert.NotEqual(t, nil, err)

	// $options without $regex is a hard failure
	_, err = Matches(record, map[string]any{"name": map[string]any{"$options": "i"}})
	assert.NotEqual(t, nil, err)
}

func TestMatchesUnsupportedOperator(t *testing.T) {
	record := Record{"score": float64(15)}

	_, err := Matches(record, map[string]any{"score": map[string]any{"$near": float64(1)}})
	assert.NotEqual(t, nil, err)

	// a map with non-$ keys is an object literal, not an operator object
	matched, err := Matches(
		Record{"stats": map[string]any{"wins": float64(3)}},
		map[string]any{"stats": map[string]any{"wins": float64(3)}},
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, matched)
}

func TestMatchesNilRecord(t *testing.T) {
	matched, err := Matches(nil, map[string]any{"score": float64(1)})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, matched)
}

func TestMatchesDeterministic(t *testing.T) {
	record := Record{"score": float64(15), "name": "alice"}
	where := map[string]any{
		"score": map[string]any{"$gt": float64(10), "$lt": float64(20)},
		"name":  map[string]any{"$regex": "^a"},
	}

	first, err := Matches(record, where)
	assert.Equal(t, nil, err)
	for i := 0; i < 64; i += 1 {
		matched, err := Matches(record, where)
		assert.Equal(t, nil, err)
		assert.Equal(t, first, matched)
	}
}

func TestValidateWhere(t *testing.T) {
	err := ValidateWhere(map[string]any{
		"score": map[string]any{"$gt": float64(10)},
		"name":  "alice",
	})
	assert.Equal(t, nil, err)

	err = ValidateWhere(map[string]any{"score": map[string]any{"$near": float64(1)}})
	assert.NotEqual(t, nil, err)

	err = ValidateWhere(map[string]any{"score": map[string]any{"$in": "not an array"}})
	assert.NotEqual(t, nil, err)

	err = ValidateWhere(map[string]any{"score": map[string]any{"$exists": "yes"}})
	assert.NotEqual(t, nil, err)

	err = ValidateWhere(map[string]any{"name": map[string]any{"$regex": "("}})
	assert.NotEqual(t, nil, err)
}

func TestQueryHash(t *testing.T) {
	a := map[string]any{"a": float64(1), "b": float64(2)}
	b := map[string]any{}
	b["b"] = float64(2)
	b["a"] = float64(1)

	// key order never affects the hash
	assert.Equal(t, QueryHash("Player", a), QueryHash("Player", b))

	// class and tree changes do
	assert.NotEqual(t, QueryHash("Player", a), QueryHash("GameScore", a))
	assert.NotEqual(t, QueryHash("Player", a), QueryHash("Player", map[string]any{"a": float64(1)}))

	// nested operator objects hash order-independently too
	nestedA := map[string]any{"score": map[string]any{"$gt": float64(1), "$lt": float64(9)}}
	nestedB := map[string]any{"score": map[string]any{"$lt": float64(9), "$gt": float64(1)}}
	assert.Equal(t, QueryHash("Player", nestedA), QueryHash("Player", nestedB))
}
