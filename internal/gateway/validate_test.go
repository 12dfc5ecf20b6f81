package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsWellFormedRequests(t *testing.T) {
	cases := []Request{
		{Path: "public/Ticker", Data: map[string]any{"pair": "XBTUSD"}},
		{Path: "private/Balance", IsPrivate: true, UserID: "alice"},
		{Path: "private/AddOrder", IsPrivate: true, Data: map[string]any{
			"pair": "XBTUSD", "type": "buy", "ordertype": "market", "volume": "0.5",
		}},
		{Path: "private/AddOrder", IsPrivate: true, Data: map[string]any{
			"pair": "XBTUSD", "type": "sell", "ordertype": "limit", "volume": "0.5", "price": "60000",
		}},
	}
	for _, req := range cases {
		req := req
		req.Normalize()
		assert.Nil(t, req.Validate(), "path %s", req.Path)
	}
}

func TestValidateRejectsBadPaths(t *testing.T) {
	for _, path := range []string{"", "admin/Users", "private/", "private/Add Order", "private/Balance/extra", "../private/Balance"} {
		req := Request{Path: path, IsPrivate: true}
		req.Normalize()
		e := req.Validate()
		require.NotNil(t, e, "path %q", path)
		assert.Contains(t, e.Fields, "path")
	}
}

func TestValidateRejectsPrivacyMismatch(t *testing.T) {
	req := Request{Path: "private/Balance", IsPrivate: false}
	req.Normalize()
	e := req.Validate()
	require.NotNil(t, e)
	assert.Contains(t, e.Fields, "isPrivate")
}

func TestValidateListsEveryMissingOrderField(t *testing.T) {
	req := Request{
		Path:      "private/AddOrder",
		IsPrivate: true,
		Data:      map[string]any{"pair": "X/USD"},
	}
	req.Normalize()

	e := req.Validate()
	require.NotNil(t, e)
	assert.ElementsMatch(t, []string{"type", "ordertype", "volume"}, e.Fields,
		"every violation is reported, not just the first")
}

func TestValidateRequiresPriceForLimitOrders(t *testing.T) {
	req := Request{
		Path:      "private/AddOrder",
		IsPrivate: true,
		Data: map[string]any{
			"pair": "XBTUSD", "type": "buy", "ordertype": "limit", "volume": "1",
		},
	}
	req.Normalize()

	e := req.Validate()
	require.NotNil(t, e)
	assert.Equal(t, []string{"price"}, e.Fields)
}

func TestValidateRejectsNonPositiveAmounts(t *testing.T) {
	req := Request{
		Path:      "private/AddOrder",
		IsPrivate: true,
		Data: map[string]any{
			"pair": "XBTUSD", "type": "buy", "ordertype": "limit", "volume": "-1", "price": "0",
		},
	}
	req.Normalize()

	e := req.Validate()
	require.NotNil(t, e)
	assert.ElementsMatch(t, []string{"volume", "price"}, e.Fields)
}

func TestNormalizeDefaultsMethodByClass(t *testing.T) {
	pub := Request{Path: "/public/Ticker/"}
	pub.Normalize()
	assert.Equal(t, "GET", pub.Method)
	assert.Equal(t, "public/Ticker", pub.Path)

	priv := Request{Path: "private/Balance", IsPrivate: true}
	priv.Normalize()
	assert.Equal(t, "POST", priv.Method)
}

func TestFormValuesCoercesScalars(t *testing.T) {
	req := Request{
		Path: "private/AddOrder",
		Data: map[string]any{
			"pair":     "XBTUSD",
			"price":    37500.0,
			"validate": true,
		},
	}
	values, e := req.FormValues()
	require.Nil(t, e)
	assert.Equal(t, "XBTUSD", values.Get("pair"))
	assert.Equal(t, "37500", values.Get("price"))
	assert.Equal(t, "true", values.Get("validate"))
}

func TestFormValuesRejectsNestedData(t *testing.T) {
	req := Request{
		Path: "private/AddOrder",
		Data: map[string]any{"close": map[string]any{"ordertype": "stop-loss"}},
	}
	_, e := req.FormValues()
	require.NotNil(t, e)
	assert.Contains(t, e.Fields, "close")
}
