//go:build !real_waku

package messaging

// The go-waku transport is only compiled into real_waku builds.

func newWakuClient(Config, string) (Client, error) {
	return nil, nil
}

func newWakuMetadataSource(Config) (MetadataSource, error) {
	return nil, nil
}
