package linker

const runtime = `
var cache = {};
var modules = window.__modules__ = window.__modules__ || {};

function require(name) {
  if (cache[name]) {
    return cache[name].exports;
  }
  if (!modules[name]) {
    throw new Error("module not found: " + name);
  }
  var module = {
    name: name,
    exports: {}
  };
  cache[name] = module;
  modules[name](module, module.exports, require);
  return module.exports;
}

function chunk(path, cb) {
  var script = document.createElement('script');
  script.src = path;
  script.type = 'text/javascript';
  script.onload = function() { cb() };
  document.getElementsByTagName('head')[0].appendChild(script);
}

function start(chunks, main) {
  var loaded = 0;
  if (!chunks || chunks.length === 0) {
    require(main);
    return;
  }
  chunks.forEach(function(path) {
    chunk(path, function() {
      loaded++;
      if (loaded === chunks.length) {
        require(main);
      }
    });
  });
}
`
