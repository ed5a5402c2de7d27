// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"net/http"
	"net/url"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/manifest"
)

// -- Page Mock --

// MockPage mocks browser.Page and browser.Snapshotter.
type MockPage struct {
	mock.Mock
}

func (m *MockPage) Navigate(ctx context.Context, rawURL string) error {
	return m.Called(ctx, rawURL).Error(0)
}
func (m *MockPage) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	args := m.Called(ctx, selector)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]browser.Element), args.Error(1)
}
func (m *MockPage) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockPage) ResponseHeaders(ctx context.Context) (http.Header, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(http.Header), args.Error(1)
}
func (m *MockPage) Get(ctx context.Context, rawURL string) (*browser.Response, error) {
	args := m.Called(ctx, rawURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*browser.Response), args.Error(1)
}
func (m *MockPage) DeleteAllCookies(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *MockPage) Close(ctx context.Context) error            { return m.Called(ctx).Error(0) }
func (m *MockPage) Snapshot(ctx context.Context) ([]byte, string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.String(1), args.Error(2)
	}
	return args.Get(0).([]byte), args.String(1), args.Error(2)
}

// MockPostingPage adds browser.Poster to MockPage.
type MockPostingPage struct {
	MockPage
}

func (m *MockPostingPage) Post(ctx context.Context, rawURL string, fields url.Values) error {
	return m.Called(ctx, rawURL, fields).Error(0)
}

// -- Element Mock --

// MockElement mocks browser.Element.
type MockElement struct {
	mock.Mock
}

func (m *MockElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Bool(1), args.Error(2)
}
func (m *MockElement) Text(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockElement) SetValue(ctx context.Context, value string) error {
	return m.Called(ctx, value).Error(0)
}
func (m *MockElement) Click(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *MockElement) Submit(ctx context.Context, extra url.Values) error {
	return m.Called(ctx, extra).Error(0)
}
func (m *MockElement) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	args := m.Called(ctx, selector)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]browser.Element), args.Error(1)
}

// -- Manifest Loader Mock --

// MockLoader mocks resolver.Loader.
type MockLoader struct {
	mock.Mock
}

func (m *MockLoader) Load(ctx context.Context, domain string) (*manifest.Manifest, error) {
	args := m.Called(ctx, domain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*manifest.Manifest), args.Error(1)
}

// -- Credential Reader Mock --

// MockCredentialReader mocks credentials.Reader.
type MockCredentialReader struct {
	mock.Mock
}

func (m *MockCredentialReader) Username(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockCredentialReader) OldPassword(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockCredentialReader) NewPassword(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
