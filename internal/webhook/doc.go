// Package webhook accepts signed batch hooks. A staging system that has
// finished preparing a batch directory POSTs its location to a configured path
// and the directory is moved into the batch queue.
//
// Every request carries an HMAC-SHA256 signature of the raw body in the
// endpoint's signature header, either as "sha256=<hex>" or as bare hex.
// Rejections are always a generic 403 so nothing about the secret leaks.
//
//	hooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/digitisation
//	      secret: ${DIGITISATION_HOOK_SECRET}
//	      staging_root: /srv/staging/digitisation
//	      max_body_size: 64KB
//
// A request body looks like {"dir": "/srv/staging/digitisation/run-42"}. The
// directory must sit below staging_root when one is configured.
package webhook
