package main

import (
	"testing"

	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	tenantID := tenant.DeriveID("user_1").String()
	uri := "gs://bucket/uploads/" + tenantID + "/2024/01/02/0b6e8f2e-2a6c-4d7e-9d1f-3f7c1a2b4c5d-sales.csv"

	job, err := newJob(uri, " user_1 ", "")
	require.NoError(t, err)
	assert.Equal(t, tenantID, job.TenantID)
	assert.Equal(t, "user_1", job.Principal)
	assert.Equal(t, "sales.csv", job.FileName)

	_, err = newJob(uri, "someone_else", "")
	assert.ErrorContains(t, err, "does not belong")

	_, err = newJob("not-a-uri", "user_1", "")
	assert.Error(t, err)

	_, err = newJob(uri, "", "")
	assert.ErrorIs(t, err, tenant.ErrEmptyPrincipal)
}
