// Package crawler holds the shared census domain: range filters, regions,
// repository records, the error taxonomy, and the interfaces implemented by
// the search client, transport, stores, and publishers.
package crawler
