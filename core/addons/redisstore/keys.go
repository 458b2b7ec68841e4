package redisstore

import "strconv"

// All keys share one hash tag so multi-key transactions stay valid on a
// Redis cluster.
const keyPrefix = "{addonhub}:"

const (
	addonSeqKey      = keyPrefix + "seq:addon"
	versionSeqKey    = keyPrefix + "seq:version"
	downloadSeqKey   = keyPrefix + "seq:download"
	addonIndexKey    = keyPrefix + "addons:index"
	addonRankKey     = keyPrefix + "addons:downloads"
	versionCountKey  = keyPrefix + "versions:downloads"
	downloadIndexKey = keyPrefix + "downloads"
)

func addonKey(id int64) string {
	return keyPrefix + "addon:" + strconv.FormatInt(id, 10)
}

func addonVersionsKey(id int64) string {
	return addonKey(id) + ":versions"
}

func addonVersionKey(id int64, version string) string {
	return addonKey(id) + ":version:" + version
}

func addonDownloadsKey(id int64) string {
	return addonKey(id) + ":downloads"
}

func identifierKey(identifier string) string {
	return keyPrefix + "identifier:" + identifier
}

func slugKey(slug string) string {
	return keyPrefix + "slug:" + slug
}

func nameKey(name string) string {
	return keyPrefix + "name:" + name
}

func versionKey(id int64) string {
	return keyPrefix + "version:" + strconv.FormatInt(id, 10)
}

func downloadKey(id int64) string {
	return keyPrefix + "download:" + strconv.FormatInt(id, 10)
}
