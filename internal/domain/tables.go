package domain

var Tables = []interface{}{
	&Instance{},
	&MediaCacheEntry{},
}
