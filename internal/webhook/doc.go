// Package webhook receives lab results pushed over HTTP by a laboratory
// information system.
//
// Every endpoint requires an HMAC-SHA256 signature of the raw body, sent as
// "sha256=<hex>" or plain hex in the configured header. Bodies are the same
// JSON accepted by the other feeds: one result or an array of results.
//
//	ingest:
//	  webhook:
//	    listen: "0.0.0.0:8081"
//	    endpoints:
//	      - path: /lis/results
//	        source: lis-east
//	        secret: ${LIS_EAST_SECRET}
//	        signature_header: X-Lis-Signature
//	        max_body_size: 1MB
//
// Responses:
//
//   - 202 Accepted: every result was handled (some may have been rejected)
//   - 400 Bad Request: body is not a result or array of results
//   - 403 Forbidden: signature missing or wrong, never with details
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 422 Unprocessable Entity: every result in the batch failed validation
//   - 503 Service Unavailable: the alert service failed; the sender should retry
//
// Retries are safe because the alert service suppresses duplicates.
package webhook
