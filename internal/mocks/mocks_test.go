// internal/mocks/mocks_test.go
package mocks

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/credentials"
	"github.com/xkilldash9x/celobox/internal/resolver"
)

var (
	_ browser.Page        = (*MockPage)(nil)
	_ browser.Snapshotter = (*MockPage)(nil)
	_ browser.Poster      = (*MockPostingPage)(nil)
	_ browser.Element     = (*MockElement)(nil)
	_ resolver.Loader     = (*MockLoader)(nil)
	_ credentials.Reader  = (*MockCredentialReader)(nil)
)

func TestMockPage_NilReturns(t *testing.T) {
	ctx := context.Background()
	page := new(MockPage)
	boom := errors.New("boom")
	page.On("FindAll", ctx, "#x").Return(nil, boom)
	page.On("Get", ctx, "/y").Return(nil, boom)
	page.On("Snapshot", ctx).Return(nil, "", boom)

	elements, err := page.FindAll(ctx, "#x")
	assert.Nil(t, elements)
	assert.ErrorIs(t, err, boom)

	resp, err := page.Get(ctx, "/y")
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, boom)

	data, _, err := page.Snapshot(ctx)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, boom)
	page.AssertExpectations(t)
}

func TestMockPostingPage(t *testing.T) {
	page := new(MockPostingPage)
	page.On("Post", mock.Anything, "/login", url.Values{"a": {"1"}}).Return(nil)
	assert.NoError(t, page.Post(context.Background(), "/login", url.Values{"a": {"1"}}))
	page.AssertExpectations(t)
}
