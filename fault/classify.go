package fault

import (
	"context"
	"errors"
	"net/http"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// FromAWS classifies an error returned by an AWS SDK call made by op.
//
// Context cancellation is returned unchanged so that shutdown is not mistaken for a
// remote failure. Anything not recognised as permanent is RemoteService.
func FromAWS(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return New(classify(err), op, err)
}

func classify(err error) Kind {
	var (
		noSuchKey    *s3types.NoSuchKey
		notFound     *s3types.NotFound
		noSuchBucket *s3types.NoSuchBucket
		noQueue      *sqstypes.QueueDoesNotExist
		badHandle    *sqstypes.ReceiptHandleIsInvalid
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound),
		errors.As(err, &noSuchBucket), errors.As(err, &noQueue):
		return NotFound
	case errors.As(err, &badHandle):
		return AlreadyGone
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket",
			"QueueDoesNotExist", "AWS.SimpleQueueService.NonExistentQueue":
			return NotFound
		case "AccessDenied", "AccessDeniedException", "Forbidden",
			"InvalidAccessKeyId", "InvalidClientTokenId", "SignatureDoesNotMatch",
			"ExpiredToken", "UnrecognizedClientException":
			return AccessDenied
		case "ReceiptHandleIsInvalid", "AWS.SimpleQueueService.ReceiptHandleIsInvalid":
			return AlreadyGone
		}
	}

	var sc httpStatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatusCode() {
		case http.StatusNotFound:
			return NotFound
		case http.StatusForbidden, http.StatusUnauthorized:
			return AccessDenied
		}
	}

	return RemoteService
}
