package msgbus

import (
	"context"
	"testing"

	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/h2non/gock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "http://rabbit.test:15672"

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(Config{
		URL:             testURL + "/",
		Username:        "guest",
		Password:        "guest",
		VHost:           "platform",
		DefaultPassword: "changeme",
	}, nil)
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
}

func TestCreateUserWithPermissions(t *testing.T) {
	defer gock.Off()

	gock.New(testURL).
		Put("/api/users/instanceA.device1").
		MatchHeader("Authorization", "^Basic ").
		MatchType("json").
		JSON(map[string]string{"password_hash": "", "tags": ""}).
		Reply(201)
	gock.New(testURL).
		Put("/api/permissions/platform/instanceA.device1").
		JSON(map[string]string{"configure": ".*", "read": ".*", "write": ".*"}).
		Reply(204)

	c := newTestClient(t)
	err := c.CreateUserWithPermissions(context.Background(), "instanceA.device1", FullPermissions(), true)
	require.NoError(t, err)
	assert.True(t, gock.IsDone())
}

func TestCreateUserWithPassword(t *testing.T) {
	defer gock.Off()

	gock.New(testURL).
		Put("/api/users/instanceA.device2").
		JSON(map[string]string{"password": "changeme", "tags": ""}).
		Reply(201)
	gock.New(testURL).
		Put("/api/permissions/platform/instanceA.device2").
		Reply(201)

	c := newTestClient(t)
	require.NoError(t, c.CreateUserWithPermissions(context.Background(), "instanceA.device2", FullPermissions(), false))
	assert.True(t, gock.IsDone())
}

func TestCreateUserFailures(t *testing.T) {
	defer gock.Off()

	gock.New(testURL).
		Put("/api/users/instanceA.device1").
		Reply(401)

	c := newTestClient(t)
	err := c.CreateUserWithPermissions(context.Background(), "instanceA.device1", FullPermissions(), true)
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))

	gock.New(testURL).
		Put("/api/users/instanceA.device1").
		Reply(201)
	gock.New(testURL).
		Put("/api/permissions/platform/instanceA.device1").
		Reply(400).
		JSON(map[string]string{"error": "bad_request", "reason": "vhost_not_found"})

	err = c.CreateUserWithPermissions(context.Background(), "instanceA.device1", FullPermissions(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vhost_not_found")
}

func TestDeleteUser(t *testing.T) {
	defer gock.Off()

	gock.New(testURL).Delete("/api/users/gone").Reply(404)
	gock.New(testURL).Delete("/api/users/present").Reply(204)

	c := newTestClient(t)
	assert.NoError(t, c.DeleteUser(context.Background(), "gone"))
	assert.NoError(t, c.DeleteUser(context.Background(), "present"))
	assert.True(t, gock.IsDone())
}
