package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/mgo.v2/bson"
)

// helper function to configure test MongoDB, tests are skipped unless
// MLFAAS_TEST_DB_URI environment is set
func initTestMongo(t *testing.T) *MetaData {
	t.Helper()
	uri := os.Getenv("MLFAAS_TEST_DB_URI")
	if uri == "" {
		t.Skip("MLFAAS_TEST_DB_URI is not set")
	}
	initTestConfig(t)
	Config.DBURI = uri
	md := &MetaData{DBName: "mlfaas_test", DBColl: "artifacts"}
	require.NoError(t, MongoRemove(md.DBName, md.DBColl, bson.M{}))
	return md
}

// TestMongoInsert
func TestMongoInsert(t *testing.T) {
	md := initTestMongo(t)

	records := []Record{
		{Function: "logreg", Kind: TabularKind, State: Ready, Files: []string{"/models/logreg/model.json"}},
		{Function: "distilbert", Kind: SentimentKind, State: Unavailable, Reason: "model directory not found"},
	}
	publishRecords(md, records)
	assert.Equal(t, 2, MongoCount(md.DBName, md.DBColl, bson.M{}))

	// insert of the same function replaces its record
	records[1].State = Ready
	records[1].Reason = ""
	require.NoError(t, md.Insert(records[1]))
	assert.Equal(t, 2, MongoCount(md.DBName, md.DBColl, bson.M{}))

	out, err := md.Records("", "", "")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "distilbert", out[0].Function)
	assert.Equal(t, Ready, out[0].State)
	assert.Equal(t, []string{"/models/logreg/model.json"}, out[1].Files)

	out, err = md.Records("", TabularKind, "")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "logreg", out[0].Function)

	out, err = MongoGet(md.DBName, md.DBColl, bson.M{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "logreg", out[0].Function)

	require.NoError(t, md.Remove("logreg"))
	out, err = md.Records("logreg", "", "")
	require.NoError(t, err)
	assert.Empty(t, out)
}
