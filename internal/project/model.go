package project

// Project is the resolved pipeline layout. All paths are absolute.
type Project struct {
	// Dir is the project root every relative path was resolved against.
	Dir string
	// File is the project file that was loaded, empty when defaults were used.
	File string

	Clean  Clean
	Style  Style
	Bundle Bundle
	Server Server
	Sync   Sync
}

// Clean configures the clean task.
type Clean struct {
	Dir  string   `hcl:"dir,optional"`
	Keep []string `hcl:"keep,optional"`
}

// Style configures the style compiler.
type Style struct {
	SourceDir string   `hcl:"source_dir,optional"`
	OutDir    string   `hcl:"out_dir,optional"`
	Watch     []string `hcl:"watch,optional"`
	Browsers  []string `hcl:"browsers,optional"`
}

// Bundle configures the component bundler.
type Bundle struct {
	Entry       string   `hcl:"entry,optional"`
	OutDir      string   `hcl:"out_dir,optional"`
	OutFile     string   `hcl:"out_file,optional"`
	VendorFile  string   `hcl:"vendor_file,optional"`
	External    []string `hcl:"external,optional"`
	JSXFactory  string   `hcl:"jsx_factory,optional"`
	JSXFragment string   `hcl:"jsx_fragment,optional"`
}

// Server configures the backend process and its supervisor.
type Server struct {
	// Command is the backend command line. Empty means the devgrid binary
	// itself is re-executed with the "backend" command.
	Command      []string `hcl:"command,optional"`
	Watch        []string `hcl:"watch,optional"`
	Extensions   []string `hcl:"extensions,optional"`
	Port         int      `hcl:"port,optional"`
	PublicDir    string   `hcl:"public_dir,optional"`
	TemplatesDir string   `hcl:"templates_dir,optional"`
	Template     string   `hcl:"template,optional"`
	Title        string   `hcl:"title,optional"`
	ReadyPattern string   `hcl:"ready_pattern,optional"`
}

// Sync configures the browser-sync proxy.
type Sync struct {
	Port int `hcl:"port,optional"`
}

// Vars are the build flags exposed to expressions in the project file.
type Vars struct {
	Command     string
	Production  bool
	Watch       bool
	BrowserSync bool
}
