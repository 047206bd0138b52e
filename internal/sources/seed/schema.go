package seed

// File is the top-level structure of the seed file.
//
//	services:
//	  - name: lobby
//	    kind: relay
//	    plugins: [echo]
//	    visibility: public
//	    access: whitelist
//	    whitelist: [alice, bob]
type File struct {
	Services []ServiceEntry `yaml:"services"`
}

// ServiceEntry declares one service hosted on this node.
type ServiceEntry struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Plugins    []string `yaml:"plugins,omitempty"`
	Visibility string   `yaml:"visibility,omitempty"`
	Access     string   `yaml:"access,omitempty"`
	Whitelist  []string `yaml:"whitelist,omitempty"`
}
