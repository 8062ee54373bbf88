package librtc

import (
	"context"
)

type (
	// SignalConnectParams are the credentials of one signaling connect
	// attempt. Tokens are short-lived, so they are fetched per attempt
	// rather than captured once.
	SignalConnectParams struct {
		URL   string
		Token string
	}

	SignalConnectParamsGetter func(ctx context.Context) (SignalConnectParams, error)

	SignalConnectParamsRepo struct {
		logger Logger
		getter SignalConnectParamsGetter
	}
)

func (r SignalConnectParamsRepo) Get(
	ctx context.Context,
) (params SignalConnectParams, err error) {
	params, err = r.getter(ctx)
	if err != nil {
		r.logger.Errorf("cannot fetch signal connect params: %s", err)
	}
	return
}

func NewSignalConnectParamsRepo(
	logger Logger,
	getter SignalConnectParamsGetter,
) SignalConnectParamsRepo {
	return SignalConnectParamsRepo{getter: getter, logger: logger}
}
