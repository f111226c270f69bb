package metadata_test

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/types"
)

func TestBuildMetadataObject(t *testing.T) {
	env, _ := newEnvelope(metadata.Config{})

	sharks := []types.Shark{
		{Datacenter: "dc-a", StorageID: "1.stor"},
		{Datacenter: "dc-b", StorageID: "2.stor"},
	}
	md, err := env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key:           "/alice-uuid/stor/obj",
		Type:          types.TypeObject,
		Owner:         "alice-uuid",
		Caller:        &types.Caller{Account: "bob-uuid", Roles: []string{"role-uuid-2"}},
		ObjectID:      "obj-1",
		ContentLength: 10,
		ContentMD5:    "md5md5",
		ContentType:   "text/plain",
		Sharks:        sharks,
	})
	require.NoError(t, err)

	assert.Equal(t, "alice-uuid", md.Owner)
	assert.Equal(t, "bob-uuid", md.Creator)
	assert.Equal(t, sharks, md.Sharks)
	assert.True(t, md.SinglePath, "a brand-new object starts single-path")
	assert.Equal(t, []string{"role-uuid-2"}, md.Roles)
	assert.NotZero(t, md.Mtime)
}

func TestBuildMetadataOverwriteKeepsSinglePathState(t *testing.T) {
	env, _ := newEnvelope(metadata.Config{})

	prev := objRecord("/alice-uuid/stor/obj")
	prev.SinglePath = false

	md, err := env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key:      "/alice-uuid/stor/obj",
		Type:     types.TypeObject,
		Owner:    "alice-uuid",
		ObjectID: "obj-2",
		Previous: prev,
	})
	require.NoError(t, err)
	assert.False(t, md.SinglePath, "an overwrite must not reinstate the single-path mark")
	assert.Equal(t, prev.Sharks, md.Sharks, "a shark-less rewrite carries the previous placement")
}

func TestBuildMetadataDirectory(t *testing.T) {
	env, _ := newEnvelope(metadata.Config{})

	md, err := env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key:           "/alice-uuid/stor/dir",
		Type:          types.TypeDirectory,
		Owner:         "alice-uuid",
		ContentType:   "text/plain",
		ContentLength: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-json-stream; type=directory", md.ContentType)
	assert.Zero(t, md.ContentLength)
	assert.False(t, md.SinglePath)
}

func TestBuildMetadataHeaderWhitelist(t *testing.T) {
	env, _ := newEnvelope(metadata.Config{})

	h := http.Header{}
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", "max-age=60")
	h.Set("Surrogate-Key", "abc")
	h.Set("X-Forwarded-For", "203.0.113.9")
	h.Set("Authorization", "Signature keyId=...")

	md, err := env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key: "/alice-uuid/stor/obj", Type: types.TypeObject, Owner: "alice-uuid",
		Headers: h,
	})
	require.NoError(t, err)
	assert.Equal(t, "*", md.Headers["access-control-allow-origin"])
	assert.Equal(t, "max-age=60", md.Headers["cache-control"])
	assert.Equal(t, "abc", md.Headers["surrogate-key"])
	assert.NotContains(t, md.Headers, "x-forwarded-for")
	assert.NotContains(t, md.Headers, "authorization")
}

func TestBuildMetadataCustomHeaders(t *testing.T) {
	env, _ := newEnvelope(metadata.Config{})

	h := http.Header{}
	h.Set("M-Pipeline", "nightly")
	h.Set("m-owner-team", "storage")

	md, err := env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key: "/alice-uuid/stor/obj", Type: types.TypeObject, Owner: "alice-uuid",
		Headers: h,
	})
	require.NoError(t, err)
	assert.Equal(t, "nightly", md.Headers["m-pipeline"])
	assert.Equal(t, "storage", md.Headers["m-owner-team"])
}

func TestBuildMetadataCustomHeaderBudget(t *testing.T) {
	env, _ := newEnvelope(metadata.Config{})

	h := http.Header{}
	h.Set("m-a", strings.Repeat("x", 4*1024-len("m-a")))
	h.Set("m-b", "dropped")

	md, err := env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key: "/alice-uuid/stor/obj", Type: types.TypeObject, Owner: "alice-uuid",
		Headers: h,
	})
	require.NoError(t, err)
	assert.Contains(t, md.Headers, "m-a")
	assert.NotContains(t, md.Headers, "m-b", "headers past the budget are dropped, not an error")
}

func TestBuildMetadataContentDisposition(t *testing.T) {
	env, _ := newEnvelope(metadata.Config{})

	h := http.Header{}
	h.Set("Content-Disposition", `attachment; filename="report.csv"`)
	md, err := env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key: "/alice-uuid/stor/obj", Type: types.TypeObject, Owner: "alice-uuid",
		Headers: h,
	})
	require.NoError(t, err)
	assert.Equal(t, `attachment; filename=report.csv`, md.ContentDisposition)

	h.Set("Content-Disposition", "attachment; ;;")
	_, err = env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key: "/alice-uuid/stor/obj", Type: types.TypeObject, Owner: "alice-uuid",
		Headers: h,
	})
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))
}

func TestBuildMetadataExplicitRoles(t *testing.T) {
	env, _ := newEnvelope(metadata.Config{})

	md, err := env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key: "/alice-uuid/stor/obj", Type: types.TypeObject, Owner: "alice-uuid",
		Caller:    &types.Caller{Account: "alice-uuid", Roles: []string{"role-uuid-2"}},
		RoleNames: []string{"ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"role-uuid-1"}, md.Roles, "explicit names beat the caller's active set")

	_, err = env.BuildMetadata(context.Background(), metadata.BuildOptions{
		Key: "/alice-uuid/stor/obj", Type: types.TypeObject, Owner: "alice-uuid",
		RoleNames: []string{"bogus"},
	})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRoleTag))
}
